package records

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/curahealth/cura-agent/agent/contract"
)

type Config struct {
	DSN          string        `envconfig:"DSN" split_words:"true" required:"true"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"10"`
	QueryTimeout time.Duration `envconfig:"QUERY_TIMEOUT" split_words:"true" default:"5s"`
}

// Store implements the record store on Postgres.
type Store struct {
	db           *bun.DB
	queryTimeout time.Duration
}

var _ contractx.RecordStore = (*Store)(nil)

// patientColumns whitelists the columns update_record may touch. Keys are the
// conversational field names used by the tool catalog.
var patientColumns = map[string]string{
	"name":                  "name",
	"surname":               "surname",
	"sex":                   "sex",
	"birth_date":            "birth_date",
	"insurance":             "insurance",
	"clinical_summary":      "clinical_summary",
	"preferred_doctor_link": "preferred_doctor_link",
}

func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%w: records dsn is required", contractx.ErrValidation)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(strings.TrimSpace(cfg.DSN))))
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		sqldb.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}

	return &Store{
		db:           bun.NewDB(sqldb, pgdialect.New()),
		queryTimeout: queryTimeout,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertPatient(ctx context.Context, patientID string, fields map[string]string) error {
	if strings.TrimSpace(patientID) == "" {
		return fmt.Errorf("%w: patient id is required", contractx.ErrValidation)
	}

	row := &Patient{
		ID:        strings.TrimSpace(patientID),
		Name:      fields["name"],
		Surname:   fields["surname"],
		Sex:       fields["sex"],
		BirthDate: fields["birth_date"],
		Insurance: fields["insurance"],
		UpdatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("name = COALESCE(NULLIF(EXCLUDED.name, ''), p.name)").
		Set("surname = COALESCE(NULLIF(EXCLUDED.surname, ''), p.surname)").
		Set("sex = COALESCE(NULLIF(EXCLUDED.sex, ''), p.sex)").
		Set("birth_date = COALESCE(NULLIF(EXCLUDED.birth_date, ''), p.birth_date)").
		Set("insurance = COALESCE(NULLIF(EXCLUDED.insurance, ''), p.insurance)").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert patient id=%s: %w", patientID, err)
	}
	return nil
}

func (s *Store) UpdateField(ctx context.Context, patientID, field, value string) error {
	if strings.TrimSpace(patientID) == "" {
		return fmt.Errorf("%w: patient id is required", contractx.ErrValidation)
	}
	column, ok := patientColumns[strings.TrimSpace(field)]
	if !ok {
		return fmt.Errorf("%w: field=%q is not updatable", contractx.ErrValidation, field)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	res, err := s.db.NewUpdate().
		Model((*Patient)(nil)).
		Set("? = ?", bun.Ident(column), strings.TrimSpace(value)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", strings.TrimSpace(patientID)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update patient id=%s field=%s: %w", patientID, field, err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("%w: patient id=%s not found", contractx.ErrValidation, patientID)
	}
	return nil
}

func (s *Store) SearchDoctors(ctx context.Context, speciality, location string) ([]contractx.DoctorMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var rows []Doctor
	q := s.db.NewSelect().Model(&rows).Order("name ASC").Limit(20)
	if v := strings.TrimSpace(speciality); v != "" {
		q = q.Where("speciality ILIKE ?", "%"+v+"%")
	}
	if v := strings.TrimSpace(location); v != "" {
		q = q.Where("location ILIKE ?", "%"+v+"%")
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("search doctors: %w", err)
	}

	matches := make([]contractx.DoctorMatch, 0, len(rows))
	for _, row := range rows {
		matches = append(matches, contractx.DoctorMatch{
			Name:       row.Name,
			Speciality: row.Speciality,
			Location:   row.Location,
			BookingURL: row.BookingURL,
		})
	}
	return matches, nil
}
