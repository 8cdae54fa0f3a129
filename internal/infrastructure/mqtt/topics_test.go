package mqtt

import (
	"errors"
	"testing"
)

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"SystemStatus", topics.SystemStatus(), "floodgate/system/status"},
		{"Event", topics.Event("device.state"), "floodgate/events/device.state"},
		{"AllEvents", topics.AllEvents(), "floodgate/events/#"},
		{"Command", topics.Command("gate"), "floodgate/command/gate"},
		{"AllCommands", topics.AllCommands(), "floodgate/command/+"},
		{"CommandAck", topics.CommandAck("board"), "floodgate/command/board/ack"},
		{"SensorReport", topics.SensorReport("10.0.3.7", "alert"), "floodgate/sensor/10.0.3.7/alert"},
		{"AllSensorReports", topics.AllSensorReports(), "floodgate/sensor/+/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestParseSensorTopic(t *testing.T) {
	tests := []struct {
		topic   string
		ip      string
		kind    string
		wantErr bool
	}{
		{"floodgate/sensor/10.0.3.7/reading", "10.0.3.7", "reading", false},
		{"floodgate/sensor/10.0.3.7/alert", "10.0.3.7", "alert", false},
		{"floodgate/sensor//reading", "", "", true},
		{"floodgate/events/device.state", "", "", true},
		{"other/sensor/10.0.3.7/reading", "", "", true},
		{"floodgate/sensor/10.0.3.7/reading/extra", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			ip, kind, err := ParseSensorTopic(tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTopicPath) {
					t.Errorf("ParseSensorTopic() error = %v, want ErrInvalidTopicPath", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSensorTopic() error = %v", err)
			}
			if ip != tt.ip || kind != tt.kind {
				t.Errorf("ParseSensorTopic() = (%q, %q), want (%q, %q)", ip, kind, tt.ip, tt.kind)
			}
		})
	}
}

func TestParseCommandTopic(t *testing.T) {
	class, err := ParseCommandTopic(Topics{}.Command("gate"))
	if err != nil || class != "gate" {
		t.Errorf("ParseCommandTopic() = (%q, %v), want (gate, nil)", class, err)
	}

	if _, err := ParseCommandTopic(Topics{}.CommandAck("gate")); err == nil {
		t.Error("ParseCommandTopic() accepted an ack topic")
	}
}
