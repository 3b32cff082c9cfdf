package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
)

const eventSource = "/objectstore"

// Service is the FileStore plus change notifications.
type Service struct {
	store     *FileStore
	publisher kafka.Publisher
	baseURL   string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService wires store writes to publisher. baseURL is used to build the
// download URL carried in event data.
func NewService(store *FileStore, publisher kafka.Publisher, baseURL string, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		baseURL:   strings.TrimRight(baseURL, "/"),
		metrics:   m,
		logger:    slog.Default().With("component", "objectstore"),
	}
}

// Put stores the object and then announces Object.Created. If the
// announcement fails the object stays stored and the error is returned so
// the uploader can retry; a repeated upload emits a fresh event.
func (s *Service) Put(ctx context.Context, container, name string, r io.Reader) (*ObjectInfo, error) {
	info, err := s.store.Put(ctx, container, name, r)
	if err != nil {
		return nil, err
	}
	s.logger.Info("object stored", "object", objectRef(container, name), "size", info.Size, "sha256", info.SHA256)
	if err := s.announce(ctx, events.TypeObjectCreated, *info); err != nil {
		return info, err
	}
	return info, nil
}

// Delete removes the object and announces Object.Deleted.
func (s *Service) Delete(ctx context.Context, container, name string) error {
	if err := s.store.Delete(ctx, container, name); err != nil {
		return err
	}
	s.logger.Info("object deleted", "object", objectRef(container, name))
	return s.announce(ctx, events.TypeObjectDeleted, ObjectInfo{Container: container, Name: name})
}

// Get reads an object.
func (s *Service) Get(ctx context.Context, container, name string) (*Object, error) {
	return s.store.Get(ctx, container, name)
}

func (s *Service) announce(ctx context.Context, eventType string, info ObjectInfo) error {
	subject := events.ObjectSubject(info.Container, info.Name)
	data := events.ObjectData{
		Container:   info.Container,
		Name:        info.Name,
		ContentType: info.ContentType,
		Size:        info.Size,
		SHA256:      info.SHA256,
	}
	if eventType == events.TypeObjectCreated && s.baseURL != "" {
		data.URL = s.baseURL + "/containers/" + info.Container + "/objects/" + info.Name
	}
	env, err := events.New(eventType, eventSource, subject, data)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, kafka.Event{Key: subject, Value: env, Headers: env.Headers()}); err != nil {
		return fmt.Errorf("announcing %s for %s: %w", eventType, subject, err)
	}
	if s.metrics != nil {
		s.metrics.ObjectEventsTotal.WithLabelValues(eventType).Inc()
	}
	s.logger.Debug("object event published", "type", eventType, "subject", subject, "event_id", env.ID)
	return nil
}
