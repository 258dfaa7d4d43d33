package registration

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// textPtrOrNil projects a nullable pgtype.Text into a *string for JSON
// responses, following the teacher's ApiKeyRow.ToResponse conversion style.
func textPtrOrNil(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

// timestamptzPtrOrNil projects a nullable pgtype.Timestamptz into an
// RFC3339 *string for JSON responses.
func timestamptzPtrOrNil(t pgtype.Timestamptz) *string {
	if !t.Valid {
		return nil
	}
	s := t.Time.UTC().Format(time.RFC3339)
	return &s
}
