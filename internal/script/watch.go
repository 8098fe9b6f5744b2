package script

import (
	"context"
	"fmt"
	"time"

	"github.com/radovskyb/watcher"
)

// Watch polls the script file every interval and reloads it on change until
// ctx is done. Reload errors are logged and the previous program stays live.
func (h *Host) Watch(ctx context.Context, interval time.Duration) error {
	if h.path == "" {
		return fmt.Errorf("script host has no path")
	}
	if interval <= 0 {
		interval = time.Second
	}

	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Write, watcher.Create, watcher.Rename, watcher.Move)
	if err := w.Add(h.path); err != nil {
		return err
	}

	go func() {
		w.Wait()
		<-ctx.Done()
		w.Close()
	}()
	go func() {
		for {
			select {
			case ev := <-w.Event:
				if err := h.Reload(); err != nil {
					h.logger.Printf("reload %s: %v", ev.Path, err)
					continue
				}
				h.logger.Printf("reloaded %s", ev.Path)
			case err := <-w.Error:
				h.logger.Printf("watch: %v", err)
			case <-w.Closed:
				return
			}
		}
	}()

	return w.Start(interval)
}
