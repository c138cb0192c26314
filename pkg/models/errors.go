package models

import "errors"

var (
	ErrValidationRejected       = errors.New("validation rejected")
	ErrConnectionLost           = errors.New("connection lost")
	ErrConfigConflict           = errors.New("config conflict")
	ErrDuplicateDevice          = errors.New("duplicate device")
	ErrDeviceNotFound           = errors.New("device not found")
	ErrDeviceInactive           = errors.New("device inactive")
	ErrAlertNotFound            = errors.New("alert not found")
	ErrInsufficientData         = errors.New("insufficient data")
	ErrTrainingSubmissionFailed = errors.New("training submission failed")
	ErrMalformedPayload         = errors.New("malformed payload")
)
