package history

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/ytmd-tools/ytmdctl/internal/models"
	"github.com/ytmd-tools/ytmdctl/internal/shared"
)

// Recorder is a session listener that appends a play whenever the current
// track changes. Empty snapshots (disconnects) reset the dedupe key so the
// same track is logged again after a reconnect resumes it.
type Recorder struct {
	store  *Store
	logger *log.Logger

	mu     sync.Mutex
	lastID string
}

func NewRecorder(store *Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Recorder{store: store, logger: logger}
}

// OnState implements session.Listener.
func (r *Recorder) OnState(snap models.Snapshot) {
	if snap.Empty() {
		r.mu.Lock()
		r.lastID = ""
		r.mu.Unlock()
		return
	}

	np := models.NowPlayingFrom(snap)
	if np.VideoID == "" {
		return
	}

	r.mu.Lock()
	if np.VideoID == r.lastID {
		r.mu.Unlock()
		return
	}
	r.lastID = np.VideoID
	r.mu.Unlock()

	err := r.store.Record(Play{
		VideoID: np.VideoID,
		Title:   np.Title,
		Artist:  np.Artist,
		Album:   np.Album,
	})
	if err != nil {
		r.logger.Error("failed to record play", "video_id", np.VideoID, "error", err)
	}
}
