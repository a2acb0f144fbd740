package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"buildforge/shared/model"
)

// OpenPostgres opens and pings a gorm connection.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PostgresStore is the relational BuildRepository. The gorm handle may point
// at any dialect gorm supports; production uses Postgres.
type PostgresStore struct {
	db     *gorm.DB
	now    Clock
	logger *slog.Logger
}

func NewPostgresStore(db *gorm.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		now:    systemClock,
		logger: logger,
	}
}

// Migrate creates the builds and build_events tables and their indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&buildModel{}, &eventModel{}); err != nil {
		return s.logError("store_migrate_failed", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Create(ctx context.Context, record model.BuildRecord, event model.Event) error {
	if err := validateNew(record, event); err != nil {
		return err
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = record.CreatedAt
	}
	event.BuildVersion = record.Version

	row := buildModelFromEntity(record)
	eventRow := eventModelFromEntity(event)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []buildModel
		if err := tx.Select("id").Where("id = ?", row.ID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			return ErrAlreadyExists
		}
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return err
		}
		return tx.Create(&eventRow).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return s.logError("store_create_build_failed", err, "build_id", record.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, buildID string) (model.BuildRecord, error) {
	var row buildModel
	err := s.db.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(buildID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.BuildRecord{}, ErrNotFound
		}
		return model.BuildRecord{}, s.logError("store_get_build_failed", err, "build_id", buildID)
	}
	return row.toEntity(), nil
}

func (s *PostgresStore) FindActive(ctx context.Context, configReference, gitRef string) (model.BuildRecord, bool, error) {
	var rows []buildModel
	err := s.db.WithContext(ctx).
		Where("config_reference = ?", configReference).
		Where("git_ref = ?", gitRef).
		Where("status IN ?", []string{
			string(model.StatusPending),
			string(model.StatusQueued),
			string(model.StatusInProgress),
		}).
		Order("created_at ASC").
		Limit(1).
		Find(&rows).
		Error
	if err != nil {
		return model.BuildRecord{}, false, s.logError("store_find_active_failed", err,
			"config_reference", configReference,
			"git_ref", gitRef,
		)
	}
	if len(rows) == 0 {
		return model.BuildRecord{}, false, nil
	}
	return rows[0].toEntity(), true, nil
}

func (s *PostgresStore) Transition(ctx context.Context, req TransitionRequest) (model.BuildRecord, model.Event, error) {
	if err := req.validate(); err != nil {
		return model.BuildRecord{}, model.Event{}, err
	}

	var (
		updated buildModel
		event   eventModel
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now, err := s.eventTime(tx, req.BuildID)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"status":     string(req.To),
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}
		if req.To == model.StatusInProgress {
			updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
		}
		if req.To.IsTerminal() {
			updates["completed_at"] = gorm.Expr("COALESCE(completed_at, ?)", now)
		}
		if req.WorkflowReference != "" {
			updates["workflow_reference"] = req.WorkflowReference
		}

		result := tx.Model(&buildModel{}).
			Where("id = ?", req.BuildID).
			Where("version = ?", req.ExpectedVersion).
			Where("status = ?", string(req.From)).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return s.conflictFor(tx, req)
		}

		if err := tx.Where("id = ?", req.BuildID).First(&updated).Error; err != nil {
			return err
		}

		event = eventModel{
			ID:           uuid.NewString(),
			BuildID:      req.BuildID,
			EventType:    string(req.EventType),
			FromStatus:   string(req.From),
			ToStatus:     string(req.To),
			Metadata:     cloneMetadata(req.Metadata),
			Timestamp:    now,
			BuildVersion: updated.Version,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.BuildRecord{}, model.Event{}, err
		}
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.logger.Info("build transition conflict",
				"event", "store_transition_conflict",
				"module", "shared/store",
				"layer", "adapter",
				"build_id", req.BuildID,
				"expected_status", string(req.From),
				"expected_version", req.ExpectedVersion,
				"actual_status", string(conflict.ActualStatus),
				"actual_version", conflict.ActualVersion,
			)
			return model.BuildRecord{}, model.Event{}, err
		}
		return model.BuildRecord{}, model.Event{}, s.logError("store_transition_failed", err,
			"build_id", req.BuildID,
			"from_status", string(req.From),
			"to_status", string(req.To),
		)
	}
	return updated.toEntity(), event.toEntity(), nil
}

func (s *PostgresStore) Events(ctx context.Context, buildID string) ([]model.Event, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&buildModel{}).Where("id = ?", buildID).Count(&count).Error; err != nil {
		return nil, s.logError("store_events_lookup_build_failed", err, "build_id", buildID)
	}
	if count == 0 {
		return nil, ErrNotFound
	}

	var rows []eventModel
	err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "timestamp"}},
			{Column: clause.Column{Name: "build_version"}},
		}}).
		Find(&rows).
		Error
	if err != nil {
		return nil, s.logError("store_list_events_failed", err, "build_id", buildID)
	}
	events := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toEntity())
	}
	model.SortEvents(events)
	return events, nil
}

// eventTime keeps a build's event timestamps monotonic even when writers'
// clocks disagree.
func (s *PostgresStore) eventTime(tx *gorm.DB, buildID string) (time.Time, error) {
	now := s.now()
	var last []eventModel
	err := tx.Where("build_id = ?", buildID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).
		Limit(1).
		Find(&last).
		Error
	if err != nil {
		return time.Time{}, err
	}
	if len(last) > 0 && now.Before(last[0].Timestamp) {
		return last[0].Timestamp.UTC(), nil
	}
	return now, nil
}

func (s *PostgresStore) conflictFor(tx *gorm.DB, req TransitionRequest) error {
	var current buildModel
	err := tx.Select("id", "status", "version").Where("id = ?", req.BuildID).First(&current).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	return &ConflictError{
		BuildID:         req.BuildID,
		ExpectedStatus:  req.From,
		ExpectedVersion: req.ExpectedVersion,
		ActualStatus:    model.Status(current.Status),
		ActualVersion:   current.Version,
	}
}

func (s *PostgresStore) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "shared/store",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	s.logger.Error("build repository operation failed", fields...)
	return err
}

type buildModel struct {
	ID                string     `gorm:"column:id;primaryKey"`
	ConfigReference   string     `gorm:"column:config_reference;not null;index:idx_builds_config_ref_status,priority:1"`
	GitRef            string     `gorm:"column:git_ref;not null;index:idx_builds_config_ref_status,priority:2"`
	Status            string     `gorm:"column:status;not null;index:idx_builds_config_ref_status,priority:3"`
	Version           int64      `gorm:"column:version;not null"`
	WorkflowReference string     `gorm:"column:workflow_reference"`
	StartedAt         *time.Time `gorm:"column:started_at"`
	CompletedAt       *time.Time `gorm:"column:completed_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
}

func (buildModel) TableName() string {
	return "builds"
}

func buildModelFromEntity(record model.BuildRecord) buildModel {
	row := buildModel{
		ID:                record.ID,
		ConfigReference:   record.ConfigReference,
		GitRef:            record.GitRef,
		Status:            string(record.Status),
		Version:           record.Version,
		WorkflowReference: record.WorkflowReference,
		CreatedAt:         record.CreatedAt.UTC(),
		UpdatedAt:         record.UpdatedAt.UTC(),
	}
	if record.StartedAt != nil {
		started := record.StartedAt.UTC()
		row.StartedAt = &started
	}
	if record.CompletedAt != nil {
		completed := record.CompletedAt.UTC()
		row.CompletedAt = &completed
	}
	return row
}

func (m buildModel) toEntity() model.BuildRecord {
	record := model.BuildRecord{
		ID:                m.ID,
		ConfigReference:   m.ConfigReference,
		GitRef:            m.GitRef,
		Status:            model.Status(m.Status),
		Version:           m.Version,
		WorkflowReference: m.WorkflowReference,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
	if m.StartedAt != nil {
		started := m.StartedAt.UTC()
		record.StartedAt = &started
	}
	if m.CompletedAt != nil {
		completed := m.CompletedAt.UTC()
		record.CompletedAt = &completed
	}
	return record
}

type eventModel struct {
	ID           string         `gorm:"column:id;primaryKey"`
	BuildID      string         `gorm:"column:build_id;not null;index:idx_build_events_build_ts,priority:1"`
	EventType    string         `gorm:"column:event_type;not null"`
	FromStatus   string         `gorm:"column:from_status;not null"`
	ToStatus     string         `gorm:"column:to_status;not null"`
	Metadata     map[string]any `gorm:"column:metadata;type:jsonb;serializer:json"`
	Timestamp    time.Time      `gorm:"column:timestamp;not null;index:idx_build_events_build_ts,priority:2"`
	BuildVersion int64          `gorm:"column:build_version;not null"`
}

func (eventModel) TableName() string {
	return "build_events"
}

func eventModelFromEntity(e model.Event) eventModel {
	return eventModel{
		ID:           e.ID,
		BuildID:      e.BuildID,
		EventType:    string(e.EventType),
		FromStatus:   string(e.FromStatus),
		ToStatus:     string(e.ToStatus),
		Metadata:     cloneMetadata(e.Metadata),
		Timestamp:    e.Timestamp.UTC(),
		BuildVersion: e.BuildVersion,
	}
}

func (m eventModel) toEntity() model.Event {
	return model.Event{
		ID:           m.ID,
		BuildID:      m.BuildID,
		EventType:    model.EventType(m.EventType),
		FromStatus:   model.Status(m.FromStatus),
		ToStatus:     model.Status(m.ToStatus),
		Metadata:     cloneMetadata(m.Metadata),
		Timestamp:    m.Timestamp.UTC(),
		BuildVersion: m.BuildVersion,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ BuildRepository = (*PostgresStore)(nil)
