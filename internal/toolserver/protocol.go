// Package toolserver binds Squall's seven tools — chat, clink, review,
// listmodels, memorize, memory, flush — to a newline-delimited JSON
// request/response loop over stdin/stdout (spec §6's "line-delimited
// protocol over standard input/output").
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// request is one line of stdin: {"tool": "...", "id": "...", "params": {...}}.
type request struct {
	Tool   string          `json:"tool"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// response is one line of stdout: either the result or error arm is set,
// never both.
type response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// handlerFunc is the shape every bound tool implements: decode params,
// apply the tool's domain logic, return a JSON-marshalable result or a
// caller-safe error.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *errorBody)

// Server reads requests from an io.Reader and writes responses to an
// io.Writer, one JSON object per line each way.
type Server struct {
	handlers map[string]handlerFunc
	writeMu  sync.Mutex
}

// New builds a Server bound to deps' tool implementations.
func New(deps *Deps) *Server {
	s := &Server{handlers: make(map[string]handlerFunc)}
	s.handlers["chat"] = deps.handleChat
	s.handlers["clink"] = deps.handleClink
	s.handlers["review"] = deps.handleReview
	s.handlers["listmodels"] = deps.handleListModels
	s.handlers["memorize"] = deps.handleMemorize
	s.handlers["memory"] = deps.handleMemory
	s.handlers["flush"] = deps.handleFlush
	return s
}

// Run blocks reading one JSON request per line until ctx is canceled or r
// reaches EOF. A malformed line produces a single error response and does
// not stop the loop — a client retrying with a fixed request must not need
// to restart the process (spec §6).
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, append([]byte(nil), line...), w)
	}
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, line []byte, w io.Writer) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(w, response{Error: &errorBody{Kind: "parse_error", Message: "malformed request line: " + err.Error()}})
		return
	}

	handler, ok := s.handlers[req.Tool]
	if !ok {
		s.write(w, response{ID: req.ID, Error: &errorBody{Kind: "unknown_tool", Message: "unknown tool: " + req.Tool}})
		return
	}

	result, errBody := handler(ctx, req.Params)
	if errBody != nil {
		s.write(w, response{ID: req.ID, Error: errBody})
		return
	}
	s.write(w, response{ID: req.ID, Result: result})
}

func (s *Server) write(w io.Writer, resp response) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("toolserver: failed to marshal response")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	w.Write(encoded)
	w.Write([]byte("\n"))
}

func invalidParams(msg string) *errorBody {
	return &errorBody{Kind: "invalid_params", Message: msg}
}

func internalError(msg string) *errorBody {
	return &errorBody{Kind: "internal_error", Message: msg}
}
