package user

import "errors"

var (
	ErrNotFound         = errors.New("user not found")
	ErrDuplicateEmail   = errors.New("email already registered")
	ErrDuplicatePhone   = errors.New("phone number already registered")
	ErrDuplicateMRN     = errors.New("medical record number already registered")
	ErrDuplicateLicense = errors.New("license number already registered")

	ErrBadCredentials   = errors.New("invalid email or password")
	ErrAccountLocked    = errors.New("account temporarily locked")
	ErrAccountDisabled  = errors.New("account deactivated")
	ErrEmailNotVerified = errors.New("email not verified")
	ErrWeakPassword     = errors.New("password does not meet requirements")
	ErrWrongPassword    = errors.New("current password is incorrect")

	// ErrTokenReused is returned when a refresh token no longer matches the
	// account's session slot. The slot is cleared so the whole session chain
	// dies with the reuse attempt.
	ErrTokenReused = errors.New("refresh token reused")

	ErrTokenInvalid = errors.New("token invalid or expired")

	ErrAlreadyVerified = errors.New("email already verified")

	// ErrCooldown is returned when a verification or reset email is requested
	// again within the send cooldown.
	ErrCooldown = errors.New("please wait before requesting another email")
)
