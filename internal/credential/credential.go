package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"releasegate/internal/geo"
)

// Mode selects which artifacts an issuance produces.
type Mode string

const (
	ModeOTP  Mode = "otp"
	ModeQR   Mode = "qr"
	ModeBoth Mode = "both"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOTP, ModeQR, ModeBoth:
		return Mode(s), nil
	case "":
		return ModeOTP, nil
	default:
		return "", fmt.Errorf("unknown credential mode %q", s)
	}
}

func (m Mode) includesOTP() bool { return m == ModeOTP || m == ModeBoth }
func (m Mode) includesQR() bool  { return m == ModeQR || m == ModeBoth }

// Status models the one-way lifecycle of a credential. The only legal
// transitions are Active -> Used and Active -> Revoked.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusUsed    Status = "USED"
	StatusRevoked Status = "REVOKED"
)

var (
	ErrNotFound        = errors.New("no credential issued for order")
	ErrAlreadyRedeemed = errors.New("credential already redeemed")
	ErrExpired         = errors.New("credential expired")
	ErrMismatch        = errors.New("submitted code does not match")
	ErrRateLimited     = errors.New("credential issuance rate limit reached")
)

// GeofenceError reports a redemption rejected on proximity grounds.
// The computed distance is kept for diagnostics.
type GeofenceError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *GeofenceError) Error() string {
	return fmt.Sprintf("courier outside delivery geofence (%.0fm > %.0fm)", e.DistanceMeters, e.RadiusMeters)
}

// Credential is the persisted form of an issued OTP/QR session. Secrets
// are stored only as peppered HMAC hashes; the buyer fix is kept verbatim
// for the geofence comparison at redemption and discarded with the row.
type Credential struct {
	ID            uuid.UUID
	OrderID       string // 0x-prefixed, 32 bytes
	Mode          Mode
	OTPHash       []byte
	QRTokenHash   []byte
	BuyerFix      geo.Fix
	BuyerDeviceID string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Status        Status
	Attempts      int
	MaxAttempts   int
}

// Grant is what the buyer receives back from an issuance. OTP and
// QRToken are the only places plaintext secrets ever appear.
type Grant struct {
	OTP       string
	QRToken   string
	ExpiresAt time.Time
}

// Submission carries whatever the courier presented.
type Submission struct {
	OTP     string
	QRToken string
}
