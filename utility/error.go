package utility

// AppError is a plain-message error for expected failure conditions:
// rejected commands, unknown ids, offline chargers.
type AppError struct {
	message string
}

func (e *AppError) Error() string {
	return e.message
}

func Err(m string) error {
	return &AppError{message: m}
}
