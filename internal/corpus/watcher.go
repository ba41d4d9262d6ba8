package corpus

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/scrypster/sketchmatch/internal/imaging"
)

// Watcher reports changed reference images so their cached embeddings can be
// dropped. Fingerprint checks already catch changed bytes on the next
// lookup; the watcher frees stale entries eagerly and handles deletions.
type Watcher struct {
	root     string
	onChange func(id string)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a watcher for the tree at root. onChange receives the
// image ID of every created, written, removed or renamed image.
func NewWatcher(root string, onChange func(id string)) *Watcher {
	return &Watcher{
		root:     filepath.Clean(root),
		onChange: onChange,
		done:     make(chan struct{}),
	}
}

// Start begins watching root and all its subdirectories. Call Stop() to
// clean up.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	if err := w.addTree(w.root); err != nil {
		_ = fw.Close()
		return err
	}

	go w.loop()
	log.Printf("corpus: watching reference folder for changes")
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(evt)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("corpus: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(evt fsnotify.Event) {
	if evt.Has(fsnotify.Create) {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			if err := w.addTree(evt.Name); err != nil {
				log.Printf("corpus: failed to watch new folder: %v", err)
			}
			return
		}
	}

	if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) &&
		!evt.Has(fsnotify.Remove) && !evt.Has(fsnotify.Rename) {
		return
	}
	if isHidden(filepath.Base(evt.Name)) || !imaging.IsSupportedFormat(evt.Name) {
		return
	}
	id, ok := RelID(w.root, evt.Name)
	if !ok || w.onChange == nil {
		return
	}
	w.onChange(id)
}
