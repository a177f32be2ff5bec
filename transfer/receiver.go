package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"peerdrop/storage"
)

// CompletedTransfer is the terminal record of one received file. Either the
// bytes were streamed to a destination (SavedDirectly with Path) or they were
// assembled in memory behind a retrieval Handle.
type CompletedTransfer struct {
	FileID        string
	Name          string
	Size          uint64
	MimeType      string
	SavedDirectly bool
	Path          string
	Handle        string
}

// ReceiverOptions configures the receive half of the protocol.
type ReceiverOptions struct {
	Logger *zap.Logger

	// Provider acquires streaming write targets. When nil, the platform has
	// no incremental-write capability and every file is fallback-buffered.
	Provider storage.TargetProvider
	// Objects retains fallback-assembled files. Required.
	Objects *storage.ObjectStore
	// History persists completed transfer records when set.
	History *storage.History

	// OnFileRequest decides a consent request; nil accepts everything.
	OnFileRequest func(files []FileSummary) bool
	// OnPending fires when a file starts waiting for a save decision.
	OnPending   func(meta FileMetadata)
	OnCompleted func(record CompletedTransfer)
	OnProgress  func(percent int)
	OnStatus    func(Status)
}

// incomingFile tracks one file id through metadata-known, buffering, and
// streaming states.
type incomingFile struct {
	meta        FileMetadata
	placeholder bool
	pending     bool

	chunks   [][]byte
	buffered uint64

	target  storage.WriteTarget
	written uint64
}

// Receiver turns the inbound stream of framed writes back into whole files
// with user-gated disk placement. All handlers mutate state under one lock;
// notifications arrive as a serialized sequence from the channel.
type Receiver struct {
	options ReceiverOptions
	logger  *zap.Logger

	mu       sync.Mutex
	incoming map[string]*incomingFile
	status   Status
	// lastError is the most-recent user-visible failure notice. A fresh
	// non-error event does not clear it.
	lastError error

	completed []CompletedTransfer
}

// NewReceiver creates an idle receiver.
func NewReceiver(options ReceiverOptions) (*Receiver, error) {
	if options.Objects == nil {
		return nil, errors.New("transfer: object store is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return &Receiver{
		options:  options,
		logger:   options.Logger,
		incoming: make(map[string]*incomingFile),
		status:   StatusIdle,
	}, nil
}

// Status returns the receiver transfer status.
func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// LastError returns the most recent surfaced failure, if any.
func (r *Receiver) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// Completed returns the terminal records accumulated so far.
func (r *Receiver) Completed() []CompletedTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CompletedTransfer(nil), r.completed...)
}

// Pending lists files waiting for a save decision, in no particular order.
func (r *Receiver) Pending() []FileMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []FileMetadata
	for _, entry := range r.incoming {
		if entry.pending {
			pending = append(pending, entry.meta)
		}
	}
	return pending
}

// Progress is the ratio of bytes written across currently bound streaming
// targets to their combined declared size. Fallback-buffered files do not
// count until bound.
func (r *Receiver) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

func (r *Receiver) progressLocked() int {
	var written, declared uint64
	for _, entry := range r.incoming {
		if entry.target == nil {
			continue
		}
		written += entry.written
		declared += entry.meta.Size
	}
	if declared == 0 {
		return 0
	}
	return int((float64(written)/float64(declared))*100 + 0.5)
}

// HandleMetadata records an announced file and marks it pending a save
// decision. A chunk may already have raced ahead and created a placeholder.
func (r *Receiver) HandleMetadata(meta FileMetadata) {
	if meta.ID == "" || len(meta.ID) > FileIDFieldSize {
		r.logger.Warn("ignoring metadata with invalid file id",
			zap.String("file_id", meta.ID))
		return
	}

	r.mu.Lock()
	entry := r.incoming[meta.ID]
	if entry == nil {
		entry = &incomingFile{}
		r.incoming[meta.ID] = entry
	}
	entry.meta = meta
	entry.placeholder = false
	entry.pending = true
	if r.status == StatusIdle {
		r.setStatusLocked(StatusReceiving)
	}
	r.mu.Unlock()

	r.logger.Info("incoming file announced",
		zap.String("file_id", meta.ID),
		zap.String("name", meta.Name),
		zap.Uint64("size", meta.Size))
	if r.options.OnPending != nil {
		r.options.OnPending(meta)
	}
}

// HandleChunk consumes one binary frame. Frames that cannot carry a file id
// are rejected with a warning and create no state.
func (r *Receiver) HandleChunk(frame []byte) error {
	fileID, payload, err := DecodeChunk(frame)
	if err != nil {
		r.logger.Warn("rejecting undersized chunk", zap.Int("len", len(frame)))
		return err
	}

	r.mu.Lock()
	entry := r.incoming[fileID]
	if entry == nil {
		// Chunk raced ahead of its metadata.
		entry = &incomingFile{
			meta:        FileMetadata{ID: fileID},
			placeholder: true,
		}
		r.incoming[fileID] = entry
		if r.status == StatusIdle {
			r.setStatusLocked(StatusReceiving)
		}
	}

	if entry.target != nil {
		target := entry.target
		r.mu.Unlock()

		if err := target.Append(payload); err != nil {
			r.dropStream(fileID, target, err)
			return err
		}

		r.mu.Lock()
		// Re-read: a cancel may have cleared the entry while appending.
		if current := r.incoming[fileID]; current == entry {
			entry.written += uint64(len(payload))
		}
		pct := r.progressLocked()
		r.mu.Unlock()

		if r.options.OnProgress != nil {
			r.options.OnProgress(pct)
		}
		return nil
	}

	buffered := make([]byte, len(payload))
	copy(buffered, payload)
	entry.chunks = append(entry.chunks, buffered)
	entry.buffered += uint64(len(buffered))
	r.mu.Unlock()
	return nil
}

// AcceptAndSaveFile binds a streaming destination to a pending file and
// flushes chunks collected so far, in arrival order.
//
// The write-target acquisition is user-gesture bound on the host platform:
// call this synchronously from the user's save action, never from a deferred
// continuation. A declined prompt leaves the file pending for a retry.
func (r *Receiver) AcceptAndSaveFile(fileID string) error {
	r.mu.Lock()
	entry := r.incoming[fileID]
	if entry == nil || !entry.pending {
		r.mu.Unlock()
		r.logger.Warn("save requested for unknown file", zap.String("file_id", fileID))
		return fmt.Errorf("transfer: no pending file %q", fileID)
	}

	if r.options.Provider == nil {
		// No incremental-write capability: the file stays fallback-buffered
		// and is assembled at completion.
		entry.pending = false
		r.mu.Unlock()
		return nil
	}
	meta := entry.meta
	r.mu.Unlock()

	target, err := r.options.Provider.AcquireWriteTarget(meta.Name, meta.MimeType)
	if errors.Is(err, storage.ErrUserCancelled) {
		r.logger.Info("save cancelled by user", zap.String("file_id", fileID))
		return nil
	}
	if err != nil {
		r.setError(fmt.Errorf("acquire write target: %w", err))
		return err
	}

	r.mu.Lock()
	// Re-read after the prompt: a cancel notice may have landed meanwhile.
	entry = r.incoming[fileID]
	if entry == nil {
		r.mu.Unlock()
		_ = target.Abort()
		return fmt.Errorf("transfer: file %q gone during save prompt", fileID)
	}
	entry.pending = false

	// Drain the buffer before publishing the target. Chunks that land while
	// a flush write is in flight still see an unbound target and keep
	// buffering; each pass picks them up, so arrival order is preserved.
	var written uint64
	for len(entry.chunks) > 0 {
		chunks := entry.chunks
		entry.chunks = nil
		entry.buffered = 0
		r.mu.Unlock()

		for _, chunk := range chunks {
			if err := target.Append(chunk); err != nil {
				r.dropStream(fileID, target, err)
				return err
			}
			written += uint64(len(chunk))
		}

		r.mu.Lock()
		if current := r.incoming[fileID]; current != entry {
			// A cancel or completion released the file mid-flush.
			r.mu.Unlock()
			_ = target.Abort()
			return nil
		}
	}
	entry.target = target
	entry.written += written
	r.mu.Unlock()
	return nil
}

// HandleComplete finalizes one file: the bound streaming target is closed, or
// buffered chunks are assembled into an in-memory object. A duplicate
// completion for an already released id is a warning, never a second record.
func (r *Receiver) HandleComplete(fileID string) {
	r.mu.Lock()
	entry := r.incoming[fileID]
	if entry == nil {
		r.mu.Unlock()
		r.logger.Warn("completion for unknown file", zap.String("file_id", fileID))
		return
	}
	delete(r.incoming, fileID)
	r.mu.Unlock()

	if entry.target != nil {
		path := storage.TargetPath(entry.target)
		if err := entry.target.Finalize(); err != nil {
			r.setError(fmt.Errorf("finalize %q: %w", entry.meta.Name, err))
			return
		}
		r.record(CompletedTransfer{
			FileID:        fileID,
			Name:          entry.meta.Name,
			Size:          entry.written,
			MimeType:      entry.meta.MimeType,
			SavedDirectly: true,
			Path:          path,
		})
		return
	}

	r.assemble(fileID, entry)
}

// assemble concatenates buffered chunks into one in-memory object typed with
// the declared mime type and produces a retrievable handle.
func (r *Receiver) assemble(fileID string, entry *incomingFile) {
	if entry.placeholder {
		r.logger.Warn("file completed without metadata, assembling unnamed",
			zap.String("file_id", fileID))
	}

	data := make([]byte, 0, entry.buffered)
	for _, chunk := range entry.chunks {
		data = append(data, chunk...)
	}

	if len(data) == 0 {
		r.logger.Warn("discarding empty transfer",
			zap.String("file_id", fileID), zap.String("name", entry.meta.Name))
		return
	}
	if entry.meta.Size > 0 && uint64(len(data)) != entry.meta.Size {
		r.logger.Warn("assembled size disagrees with declared size",
			zap.String("file_id", fileID),
			zap.Uint64("declared", entry.meta.Size),
			zap.Int("assembled", len(data)))
	}

	handle := r.options.Objects.Put(data, entry.meta.MimeType)
	r.record(CompletedTransfer{
		FileID:   fileID,
		Name:     entry.meta.Name,
		Size:     uint64(len(data)),
		MimeType: entry.meta.MimeType,
		Handle:   handle,
	})
}

// HandleAllFilesComplete returns the receiver to idle once no streaming
// targets remain bound and no files await a save decision.
func (r *Receiver) HandleAllFilesComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.incoming {
		if entry.target != nil || entry.pending {
			return
		}
	}
	r.setStatusLocked(StatusIdle)
}

// HandleCancel clears all pending, incoming, and buffered state and closes
// open streaming targets best-effort.
func (r *Receiver) HandleCancel() {
	r.mu.Lock()
	incoming := r.incoming
	r.incoming = make(map[string]*incomingFile)
	r.setStatusLocked(StatusIdle)
	r.mu.Unlock()

	for fileID, entry := range incoming {
		if entry.target != nil {
			if err := entry.target.Abort(); err != nil {
				r.logger.Warn("abort write target failed",
					zap.String("file_id", fileID), zap.Error(err))
			}
		}
	}
	r.logger.Info("transfer cancelled", zap.Int("dropped_files", len(incoming)))
}

// DecideFileRequest runs the consent callback for an announced batch.
func (r *Receiver) DecideFileRequest(files []FileSummary) bool {
	if r.options.OnFileRequest == nil {
		return true
	}
	return r.options.OnFileRequest(files)
}

func (r *Receiver) record(record CompletedTransfer) {
	r.mu.Lock()
	r.completed = append(r.completed, record)
	r.mu.Unlock()

	if r.options.History != nil {
		err := r.options.History.SaveTransfer(storage.TransferRecord{
			FileID:        record.FileID,
			Filename:      record.Name,
			Filesize:      record.Size,
			MimeType:      record.MimeType,
			SavedDirectly: record.SavedDirectly,
			StoredPath:    record.Path,
			ObjectHandle:  record.Handle,
			ReceivedAt:    time.Now().UnixMilli(),
		})
		if err != nil {
			r.logger.Warn("persist transfer record failed", zap.Error(err))
		}
	}

	r.logger.Info("file received",
		zap.String("file_id", record.FileID),
		zap.String("name", record.Name),
		zap.Uint64("size", record.Size),
		zap.Bool("saved_directly", record.SavedDirectly))
	if r.options.OnCompleted != nil {
		r.options.OnCompleted(record)
	}
}

// dropStream aborts a failed streaming target and releases the file's state.
// The save is not retried from this state.
func (r *Receiver) dropStream(fileID string, target storage.WriteTarget, cause error) {
	_ = target.Abort()

	r.mu.Lock()
	delete(r.incoming, fileID)
	r.mu.Unlock()

	r.setError(fmt.Errorf("stream write for %q: %w", fileID, cause))
}

func (r *Receiver) setError(err error) {
	r.mu.Lock()
	r.lastError = err
	r.mu.Unlock()
	r.logger.Error("transfer failed", zap.Error(err))
}

func (r *Receiver) setStatusLocked(status Status) {
	if r.status == status {
		return
	}
	r.status = status
	if r.options.OnStatus != nil {
		r.options.OnStatus(status)
	}
}
