package processor

import (
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/datapress/datapress/fsutil"
	"github.com/datapress/datapress/types/xsync"
)

// remover deletes staged raw files once the chunk entry derived from them was
// stored, bounding local disk usage during long runs. Closing the work
// channel or triggering the kill latch shuts it down.
type remover struct {
	root         string
	cacheDataDir string
	work         <-chan []string
	kill         *xsync.Latch
	done         *xsync.Latch
}

func (r *remover) run() {
	defer r.done.Trigger()
	for {
		var paths []string
		var ok bool
		select {
		case paths, ok = <-r.work:
			if !ok {
				return
			}
		case <-r.kill.WaitChan():
			return
		}
		for _, path := range paths {
			staged := strings.Replace(path, r.root, r.cacheDataDir, 1)
			if !fsutil.FileExists(staged) {
				continue
			}
			if err := os.Remove(staged); err != nil {
				klog.Warningf("failed removing staged file %q: %v", staged, err)
			}
		}
	}
}
