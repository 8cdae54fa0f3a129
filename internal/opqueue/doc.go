// Package opqueue runs operations with bounded concurrency in FIFO order.
//
// It is used for group and fleet-wide commands so that a command aimed at
// every device does not open every socket write at once:
//
//	q := opqueue.New(5)
//	defer q.Close()
//	fut := q.Add(func(ctx context.Context) error { return gates.SendOne(ctx, ip, cmd) })
//	err := fut.Wait(ctx)
package opqueue
