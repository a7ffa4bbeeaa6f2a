package mediaservice

import "fmt"

// ServiceError is returned when the media service answers with a non-2xx status.
type ServiceError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: media service returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: media service returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// ProtocolError is returned when a successful response cannot be understood.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: malformed media service response: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError is returned when the request never produced a response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: media service unreachable: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
