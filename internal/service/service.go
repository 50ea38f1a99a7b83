package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/voxlabs-ai/vox-core/internal/bus"
	"github.com/voxlabs-ai/vox-core/internal/jobstore"
	"github.com/voxlabs-ai/vox-core/internal/protocol"
	"github.com/voxlabs-ai/vox-core/internal/scheduler"
)

// Service exposes the scheduler over the message bus: request/reply for
// submit, status, and cancel, plus a progress firehose subject.
type Service struct {
	bus    *bus.Client
	sched  *scheduler.Scheduler
	logger *slog.Logger

	subSubmit *nats.Subscription
	subStatus *nats.Subscription
	subCancel *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, sched *scheduler.Scheduler, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		sched:  sched,
		logger: logger.With(slog.String("component", "job-api")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectJobSubmit, s.handleSubmit)
	if err != nil {
		return err
	}
	s.subSubmit = sub

	subStatus, err := s.bus.Conn().Subscribe(protocol.SubjectJobStatusPrefix+".*", s.handleStatus)
	if err != nil {
		s.subSubmit.Drain()
		return err
	}
	s.subStatus = subStatus

	subCancel, err := s.bus.Conn().Subscribe(protocol.SubjectJobCancelPrefix+".*", s.handleCancel)
	if err != nil {
		s.subSubmit.Drain()
		s.subStatus.Drain()
		return err
	}
	s.subCancel = subCancel
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range []*nats.Subscription{s.subSubmit, s.subStatus, s.subCancel} {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subSubmit != nil && s.subStatus != nil && s.subCancel != nil
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.SubmitResponse{Error: "malformed request: " + err.Error()})
		return
	}

	jobID, err := s.sched.Submit(req)
	if err != nil {
		s.reply(msg, protocol.SubmitResponse{Error: err.Error()})
		return
	}
	s.reply(msg, protocol.SubmitResponse{JobID: jobID})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	jobID := subjectTail(msg.Subject, protocol.SubjectJobStatusPrefix)
	if jobID == "" {
		s.reply(msg, protocol.ErrorResponse{Error: "missing job id"})
		return
	}

	st, err := s.sched.Status(jobID)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			s.reply(msg, protocol.ErrorResponse{Error: "unknown job"})
			return
		}
		s.reply(msg, protocol.ErrorResponse{Error: err.Error()})
		return
	}
	s.reply(msg, st)
}

func (s *Service) handleCancel(msg *nats.Msg) {
	jobID := subjectTail(msg.Subject, protocol.SubjectJobCancelPrefix)
	if jobID == "" {
		s.reply(msg, protocol.CancelResponse{Error: "missing job id"})
		return
	}

	cancelled, err := s.sched.Cancel(jobID)
	if err != nil {
		s.reply(msg, protocol.CancelResponse{Error: err.Error()})
		return
	}
	s.reply(msg, protocol.CancelResponse{Cancelled: cancelled})
}

func (s *Service) reply(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("error", err.Error()))
	}
}

func subjectTail(subject, prefix string) string {
	return strings.TrimPrefix(subject, prefix+".")
}

// ProgressPublisher builds the scheduler progress hook: every status change
// is published on the progress subject for any listening client.
func ProgressPublisher(busClient *bus.Client, logger *slog.Logger) func(protocol.JobStatus) {
	logger = logger.With(slog.String("component", "job-api"))
	return func(st protocol.JobStatus) {
		// Progress events never carry the audio payload.
		st.AudioWAV = nil
		data, err := json.Marshal(st)
		if err != nil {
			logger.Warn("failed to encode progress event", slog.String("error", err.Error()))
			return
		}
		if err := busClient.Conn().Publish(protocol.SubjectJobProgress, data); err != nil {
			logger.Warn("failed to publish progress event", slog.String("error", err.Error()))
		}
	}
}

// TerminalRecorder builds the scheduler terminal hook: finished jobs are
// written to the history store.
func TerminalRecorder(store *jobstore.Store, logger *slog.Logger) func(protocol.JobStatus) {
	logger = logger.With(slog.String("component", "job-api"))
	return func(st protocol.JobStatus) {
		if err := store.RecordTerminal(context.Background(), st); err != nil {
			logger.Warn("failed to record finished job",
				slog.String("job_id", st.JobID),
				slog.String("error", err.Error()))
		}
	}
}
