package aegis

import (
	"time"

	"github.com/everydev1618/goaegis/lineage"
)

// Oath is the admission credential an agent presents at registration.
// The kernel refuses to register any agent without a sworn oath whose
// recorded document hash matches the current founding document.
type Oath struct {
	// Sworn must be true for admission.
	Sworn bool `json:"sworn" yaml:"sworn"`

	// DocumentHash is the SHA-256 hex digest of the founding document
	// the oath was sworn against.
	DocumentHash string `json:"document_hash" yaml:"document_hash"`

	// SwornAt records when the oath was taken.
	SwornAt time.Time `json:"sworn_at,omitempty" yaml:"sworn_at,omitempty"`

	// Statement is the oath text, kept for the record only.
	Statement string `json:"statement,omitempty" yaml:"statement,omitempty"`
}

// OathVerifier cryptographically validates an oath against the current
// founding documents. When the kernel has no verifier it admits sworn
// oaths with a logged fallback instead.
type OathVerifier interface {
	VerifyOath(o Oath) error
}

// DocVerifier validates oaths against the on-disk founding document.
type DocVerifier struct {
	path string
}

// NewDocVerifier returns a verifier bound to a founding document path.
func NewDocVerifier(path string) *DocVerifier {
	return &DocVerifier{path: path}
}

// VerifyOath recomputes the founding document's hash and compares it to
// the hash recorded on the oath.
func (v *DocVerifier) VerifyOath(o Oath) error {
	current, err := lineage.HashFile(v.path)
	if err != nil {
		return err
	}
	if o.DocumentHash != current {
		return ErrOathInvalid
	}
	return nil
}

// SwearOath builds a sworn oath against the given founding document.
// Agents use this to produce their admission credential.
func SwearOath(documentPath, statement string) (*Oath, error) {
	h, err := lineage.HashFile(documentPath)
	if err != nil {
		return nil, err
	}
	return &Oath{
		Sworn:        true,
		DocumentHash: h,
		SwornAt:      time.Now().UTC(),
		Statement:    statement,
	}, nil
}
