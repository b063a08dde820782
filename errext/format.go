package errext

import "errors"

// Format formats the given error as a message for the user, with any
// structured fields (like hints) broken out separately so loggers can
// attach them.
func Format(err error) (string, map[string]interface{}) {
	if err == nil {
		return "", nil
	}

	errText := err.Error()
	fields := make(map[string]interface{})
	var herr HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}

	return errText, fields
}
