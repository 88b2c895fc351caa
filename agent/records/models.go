package records

import (
	"time"

	"github.com/uptrace/bun"
)

// Patient is the durable clinical record row. The session store holds the
// conversational view; this table is the system of record behind it.
type Patient struct {
	bun.BaseModel `bun:"table:patients,alias:p"`

	ID                  string    `bun:"id,pk"`
	Name                string    `bun:"name"`
	Surname             string    `bun:"surname"`
	Sex                 string    `bun:"sex"`
	BirthDate           string    `bun:"birth_date"`
	Insurance           string    `bun:"insurance"`
	ClinicalSummary     string    `bun:"clinical_summary"`
	PreferredDoctorLink string    `bun:"preferred_doctor_link"`
	UpdatedAt           time.Time `bun:"updated_at,nullzero,default:current_timestamp"`
}

type Doctor struct {
	bun.BaseModel `bun:"table:doctors,alias:d"`

	ID         int64  `bun:"id,pk,autoincrement"`
	Name       string `bun:"name"`
	Speciality string `bun:"speciality"`
	Location   string `bun:"location"`
	BookingURL string `bun:"booking_url"`
}
