package qmp

import (
	"context"

	goqmp "github.com/digitalocean/go-qemu/qmp"

	"github.com/cocoonstack/vmbackup/monitor"
)

const (
	eventJobCompleted = "BLOCK_JOB_COMPLETED"
	eventJobCancelled = "BLOCK_JOB_CANCELLED"
)

// Events implements monitor.Monitor. Only block job conclusions are
// forwarded; the channel closes when ctx is done or the stream ends.
func (m *Monitor) Events(ctx context.Context) (<-chan monitor.JobEvent, error) {
	raw, err := m.mon.Events(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan monitor.JobEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-raw:
				if !ok {
					return
				}
				je, ok := toJobEvent(ev)
				if !ok {
					continue
				}
				select {
				case out <- je:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func toJobEvent(ev goqmp.Event) (monitor.JobEvent, bool) {
	job, _ := ev.Data["device"].(string)
	if job == "" {
		return monitor.JobEvent{}, false
	}
	switch ev.Event {
	case eventJobCompleted:
		if msg, _ := ev.Data["error"].(string); msg != "" {
			return monitor.JobEvent{Job: job, Status: monitor.JobFailed, Error: msg}, true
		}
		return monitor.JobEvent{Job: job, Status: monitor.JobCompleted}, true
	case eventJobCancelled:
		return monitor.JobEvent{Job: job, Status: monitor.JobCancelled}, true
	default:
		return monitor.JobEvent{}, false
	}
}
