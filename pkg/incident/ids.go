package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewIncidentID returns an id of the form INC-<year>-<5-char-slug>.
func NewIncidentID(now time.Time) string {
	return fmt.Sprintf("INC-%d-%s", now.UTC().Year(), slug(5))
}

// NewActionID returns an id of the form ACT-<year>-<5-char-slug>.
func NewActionID(now time.Time) string {
	return fmt.Sprintf("ACT-%d-%s", now.UTC().Year(), slug(5))
}

// NewAuditID returns a state-transition audit id of the form AUD-<8-char-slug>.
func NewAuditID() string {
	return "AUD-" + slug(8)
}

func slug(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
