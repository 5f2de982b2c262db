package middleware

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/mnehpets/ootdmate/endpoint"
	"github.com/mnehpets/ootdmate/logging"
)

// RequestIDHeader is read from the request and echoed on the response.
const RequestIDHeader = "X-Request-ID"

// Inbound IDs are accepted only when they are short and printable, so they
// can be logged and echoed without sanitising.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// RequestIDProcessor attaches a request ID to the request context for logging.
type RequestIDProcessor struct {
	// TrustInbound honours a well-formed X-Request-ID from the client.
	TrustInbound bool
}

// RequestID returns a processor that trusts inbound request IDs.
func RequestID() *RequestIDProcessor {
	return &RequestIDProcessor{TrustInbound: true}
}

// Process implements endpoint.Processor.
func (p *RequestIDProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	id := ""
	if p.TrustInbound {
		if in := r.Header.Get(RequestIDHeader); validRequestID.MatchString(in) {
			id = in
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)
	return next(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
}

var _ endpoint.Processor = (*RequestIDProcessor)(nil)
