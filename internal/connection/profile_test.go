package connection

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/floodgate-core/internal/codec"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
)

func TestProfileFor_Ports(t *testing.T) {
	tests := []struct {
		class   device.Class
		variant device.Variant
		port    int
	}{
		{device.ClassGate, device.VariantGateIntegrated, 4001},
		{device.ClassGate, device.VariantGateLegacyReset, 4001},
		{device.ClassGate, device.VariantGateGateway, 5000},
		{device.ClassBoard, device.VariantBoardHex, 5200},
		{device.ClassBoard, device.VariantBoardGateway, 5000},
	}
	for _, tt := range tests {
		p, err := ProfileFor(tt.class, tt.variant)
		if err != nil {
			t.Fatalf("ProfileFor(%s, %s) error = %v", tt.class, tt.variant, err)
		}
		if p.DefaultPort != tt.port {
			t.Errorf("ProfileFor(%s, %s).DefaultPort = %d, want %d", tt.class, tt.variant, p.DefaultPort, tt.port)
		}
	}
}

func TestProfileFor_UnknownVariant(t *testing.T) {
	_, err := ProfileFor(device.ClassGate, device.VariantBoardHex)
	if !errors.Is(err, device.ErrUnknownVariant) {
		t.Errorf("ProfileFor(gate, hex) error = %v, want ErrUnknownVariant", err)
	}
}

func TestGatePlan_Close(t *testing.T) {
	resetDelay := config.Default().Connections.Gates.ResetDelay
	if resetDelay != 2*time.Second {
		t.Fatalf("default reset delay = %v, want 2s", resetDelay)
	}

	tests := []struct {
		variant device.Variant
		frames  []string
	}{
		{device.VariantGateIntegrated, []string{"GATE DOWN"}},
		{device.VariantGateLegacyReset, []string{"SYSTEM RESET", "GATE DOWN"}},
		{device.VariantGateLegacyUnlock, []string{"GATE UNLOCK", "GATE DOWN"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.variant), func(t *testing.T) {
			p, err := ProfileFor(device.ClassGate, tt.variant)
			if err != nil {
				t.Fatal(err)
			}
			steps, err := p.Plan(Command{Action: ActionClose}, 1, resetDelay)
			if err != nil {
				t.Fatalf("Plan(close) error = %v", err)
			}
			if len(steps) != len(tt.frames) {
				t.Fatalf("Plan(close) = %d steps, want %d", len(steps), len(tt.frames))
			}
			for i, want := range tt.frames {
				if !bytes.Equal(steps[i].Frame, codec.EncodeGate(want)) {
					t.Errorf("step %d frame = %q, want %q", i, steps[i].Frame, want)
				}
				if steps[i].Expect != nil {
					t.Errorf("step %d expects a reply on an uncorrelated protocol", i)
				}
			}
			if len(steps) == 2 && steps[0].Delay != 2*time.Second {
				t.Errorf("reset step delay = %v, want 2s", steps[0].Delay)
			}
			if last := steps[len(steps)-1]; last.Delay != 0 {
				t.Errorf("final step delay = %v, want 0", last.Delay)
			}
		})
	}
}

func TestGatePlan_OpenAndStatus(t *testing.T) {
	p, _ := ProfileFor(device.ClassGate, device.VariantGateLegacyReset)

	steps, err := p.Plan(Command{Action: ActionOpen}, 1, time.Second)
	if err != nil || len(steps) != 1 || !bytes.Equal(steps[0].Frame, codec.EncodeGate(codec.GateUpLock)) {
		t.Errorf("Plan(open) = %v, %v", steps, err)
	}

	poll, _ := p.Poll(7)
	if !bytes.Equal(poll, codec.EncodeGate(codec.GateStatus)) {
		t.Errorf("Poll() = %q", poll)
	}

	if _, err := p.Plan(Command{Action: ActionDisplay}, 1, time.Second); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Plan(display) error = %v, want ErrUnknownCommand", err)
	}
}

func TestGatewayPlan_CorrelatesOnSeq(t *testing.T) {
	p, _ := ProfileFor(device.ClassGate, device.VariantGateGateway)

	steps, err := p.Plan(Command{Action: ActionOpen}, 42, 0)
	if err != nil {
		t.Fatal(err)
	}
	env, err := codec.DecodeEnvelope(steps[0].Frame)
	if err != nil {
		t.Fatal(err)
	}
	if env.Kind != codec.KindGateTx || env.Seq != 42 {
		t.Errorf("envelope = %+v, want gate_comm_tx seq 42", env)
	}

	reply, _ := codec.EncodeEnvelope(codec.KindGateRx, 42, codec.GateRx{Status: "6"})
	in, err := p.Decode(reply)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if in.Status != device.StatusOpen {
		t.Errorf("Decode().Status = %q, want open", in.Status)
	}
	if !steps[0].Expect(in) {
		t.Error("Expect() rejected the reply with the request seq")
	}
	if steps[0].Expect(Inbound{Seq: 41}) {
		t.Error("Expect() accepted another seq")
	}
}

func TestBoardHexPlan_ExpectsEcho(t *testing.T) {
	p, _ := ProfileFor(device.ClassBoard, device.VariantBoardHex)

	steps, err := p.Plan(Command{Action: ActionDisplay, Text: "SLOW", Colors: []string{"red"}}, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := codec.DecodeBoard(steps[0].Frame)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.ID != boardID || pkt.Command != codec.BoardCmdDisplay {
		t.Errorf("packet = id %#x cmd %#x", pkt.ID, pkt.Command)
	}

	echo, _ := codec.EncodeBoard(codec.BoardPacket{ID: boardID, Command: codec.BoardCmdDisplay})
	in, err := p.Decode(echo)
	if err != nil {
		t.Fatal(err)
	}
	if !steps[0].Expect(in) {
		t.Error("Expect() rejected the echoed display byte")
	}
	if steps[0].Expect(Inbound{Command: codec.BoardCmdStatus}) {
		t.Error("Expect() accepted a status echo")
	}
}

func TestBoardGatewayPlan_TextFallback(t *testing.T) {
	p, _ := ProfileFor(device.ClassBoard, device.VariantBoardGateway)

	steps, err := p.Plan(Command{Action: ActionDisplay, Text: "FLOOD"}, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	env, err := codec.DecodeEnvelope(steps[0].Frame)
	if err != nil {
		t.Fatal(err)
	}
	if env.Kind != codec.KindControl || !bytes.Contains(env.Payload, []byte(`"FLOOD"`)) {
		t.Errorf("envelope = %s %s", env.Kind, env.Payload)
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		class   device.Class
		action  Action
		wantErr bool
	}{
		{device.ClassGate, ActionOpen, false},
		{device.ClassGate, ActionClose, false},
		{device.ClassGate, ActionStatus, false},
		{device.ClassGate, ActionDisplay, true},
		{device.ClassBoard, ActionDisplay, false},
		{device.ClassBoard, ActionClear, false},
		{device.ClassBoard, ActionOpen, true},
		{device.ClassSensor, ActionStatus, true},
		{device.ClassGate, "", true},
	}
	for _, tt := range tests {
		err := ValidateCommand(tt.class, Command{Action: tt.action})
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateCommand(%s, %q) error = %v, wantErr %v", tt.class, tt.action, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrUnknownCommand) {
			t.Errorf("ValidateCommand(%s, %q) error = %v, want ErrUnknownCommand", tt.class, tt.action, err)
		}
	}
}
