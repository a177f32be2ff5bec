package transfer

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel is the outbound surface of the negotiated data channel.
type Channel interface {
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
}

// SenderOptions configures a batch sender.
type SenderOptions struct {
	Logger *zap.Logger

	// RetryDelay is slept before re-polling the buffered-amount signal.
	RetryDelay time.Duration
	// InterFileDelay is slept between queued files so the channel drains.
	InterFileDelay time.Duration
	// HighWater defers sends while buffered bytes exceed it.
	HighWater uint64

	// OnProgress receives the whole-batch percentage after each chunk.
	OnProgress func(percent int)
	OnStatus   func(Status)
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	if out.InterFileDelay <= 0 {
		out.InterFileDelay = DefaultInterFileDelay
	}
	if out.HighWater == 0 {
		out.HighWater = BufferedHighWater
	}
	return out
}

type queuedFile struct {
	id   string
	file File
}

// Sender turns a queue of whole files into framed binary writes honoring the
// channel's backpressure signal. Exactly one file is in flight at a time.
type Sender struct {
	options SenderOptions
	logger  *zap.Logger

	mu      sync.Mutex
	channel Channel
	queue   []queuedFile
	index   int

	totalBytes uint64
	sentBytes  uint64

	status Status
	// cancelled is checked before each window read/send; set by the local
	// user or by a peer cancel notice.
	cancelled bool
	// notifyPeer distinguishes a local cancel (peer must be told) from a
	// peer-initiated one.
	notifyPeer bool
}

// NewSender creates an idle sender.
func NewSender(options SenderOptions) *Sender {
	opts := options.withDefaults()
	return &Sender{options: opts, logger: opts.Logger, status: StatusIdle}
}

// Attach binds the sender to an open data channel.
func (s *Sender) Attach(channel Channel) {
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()
}

// Status returns the sender transfer status.
func (s *Sender) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns the whole-batch sent percentage.
func (s *Sender) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return percent(s.sentBytes, s.totalBytes)
}

// Cancel stops the batch before its next chunk and queues a best-effort
// cancellation notice to the peer.
func (s *Sender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusSending {
		return
	}
	s.cancelled = true
	s.notifyPeer = true
}

// HandlePeerCancel stops the batch in response to the peer's notice.
func (s *Sender) HandlePeerCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusSending {
		return
	}
	s.cancelled = true
	s.notifyPeer = false
}

// RequestSend asks the peer to approve an upcoming batch. The decision
// arrives as a file-request-accepted or file-request-rejected notice.
func (s *Sender) RequestSend(files []File) error {
	channel := s.attachedChannel()
	if channel == nil {
		return ErrNoChannel
	}

	summaries := make([]FileSummary, 0, len(files))
	for _, file := range files {
		summaries = append(summaries, FileSummary{
			Name: file.Name(),
			Type: file.MimeType(),
			Size: file.Size(),
		})
	}
	text, err := EncodeControl(MsgFileRequest, FileRequestPayload{Files: summaries})
	if err != nil {
		return err
	}
	return channel.SendText(text)
}

// SendFiles transmits a batch, one file at a time, and blocks until the batch
// completes, fails, or is cancelled. Returns ErrCancelled on cancellation.
func (s *Sender) SendFiles(files []File) error {
	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()
		return ErrNoChannel
	}
	if s.status == StatusSending {
		s.mu.Unlock()
		return ErrBusy
	}

	s.queue = make([]queuedFile, 0, len(files))
	s.totalBytes = 0
	s.sentBytes = 0
	s.index = 0
	s.cancelled = false
	s.notifyPeer = false
	for _, file := range files {
		s.queue = append(s.queue, queuedFile{id: uuid.NewString(), file: file})
		s.totalBytes += file.Size()
	}
	s.setStatusLocked(StatusSending)
	channel := s.channel
	s.mu.Unlock()

	err := s.runBatch(channel)

	s.mu.Lock()
	notify := s.notifyPeer
	s.queue = nil
	s.setStatusLocked(StatusIdle)
	s.mu.Unlock()

	if err == ErrCancelled && notify {
		s.sendCancelNotice(channel)
	}
	return err
}

func (s *Sender) runBatch(channel Channel) error {
	for {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return ErrCancelled
		}
		if s.index >= len(s.queue) {
			s.mu.Unlock()
			break
		}
		entry := s.queue[s.index]
		s.mu.Unlock()

		if err := s.sendFile(channel, entry); err != nil {
			return err
		}

		s.mu.Lock()
		s.index++
		last := s.index >= len(s.queue)
		s.mu.Unlock()

		if !last {
			// Give the channel a chance to drain before the next file.
			time.Sleep(s.options.InterFileDelay)
		}
	}

	text, err := EncodeControl(MsgAllFilesComplete, nil)
	if err != nil {
		return err
	}
	if err := channel.SendText(text); err != nil {
		return fmt.Errorf("send all-files-complete: %w", err)
	}
	return nil
}

func (s *Sender) sendFile(channel Channel, entry queuedFile) error {
	meta := FileMetadata{
		ID:       entry.id,
		Name:     entry.file.Name(),
		Size:     entry.file.Size(),
		MimeType: entry.file.MimeType(),
	}
	text, err := EncodeControl(MsgFileMetadata, meta)
	if err != nil {
		return err
	}
	if err := channel.SendText(text); err != nil {
		return fmt.Errorf("send file metadata: %w", err)
	}

	reader, err := entry.file.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()

	buffer := make([]byte, ChunkSize)
	for {
		if s.isCancelled() {
			return ErrCancelled
		}

		n, readErr := io.ReadFull(reader, buffer)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return fmt.Errorf("read file %q: %w", entry.file.Name(), readErr)
		}

		if err := s.waitForDrain(channel); err != nil {
			return err
		}

		frame, err := EncodeChunk(entry.id, buffer[:n])
		if err != nil {
			return err
		}
		if err := channel.Send(frame); err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}

		s.mu.Lock()
		s.sentBytes += uint64(n)
		pct := percent(s.sentBytes, s.totalBytes)
		s.mu.Unlock()
		if s.options.OnProgress != nil {
			s.options.OnProgress(pct)
		}

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	done, err := EncodeControl(MsgFileTransferComplete, CompletePayload{FileID: entry.id})
	if err != nil {
		return err
	}
	if err := channel.SendText(done); err != nil {
		return fmt.Errorf("send file-transfer-complete: %w", err)
	}

	s.logger.Info("file sent",
		zap.String("file_id", entry.id),
		zap.String("name", entry.file.Name()),
		zap.Uint64("size", entry.file.Size()))
	return nil
}

// waitForDrain polls the channel's outstanding buffered byte count and defers
// the next send with a fixed delay while it exceeds the high-water mark.
func (s *Sender) waitForDrain(channel Channel) error {
	for channel.BufferedAmount() > s.options.HighWater {
		if s.isCancelled() {
			return ErrCancelled
		}
		time.Sleep(s.options.RetryDelay)
	}
	return nil
}

func (s *Sender) sendCancelNotice(channel Channel) {
	text, err := EncodeControl(MsgFileTransferCancel, nil)
	if err != nil {
		return
	}
	if err := channel.SendText(text); err != nil {
		s.logger.Warn("cancel notice not delivered", zap.Error(err))
	}
}

func (s *Sender) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Sender) attachedChannel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Sender) setStatusLocked(status Status) {
	if s.status == status {
		return
	}
	s.status = status
	if s.options.OnStatus != nil {
		s.options.OnStatus(status)
	}
}

func percent(done, total uint64) int {
	if total == 0 {
		return 100
	}
	return int((float64(done)/float64(total))*100 + 0.5)
}
