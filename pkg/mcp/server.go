// Package mcp serves cache operations to MCP clients over stdio using
// line-delimited JSON-RPC 2.0.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/pario-ai/querycache/pkg/models"
)

// Cache is the subset of the engine the tools call.
type Cache interface {
	Check(ctx context.Context, embedding []float32, override *float64) (*models.CacheHit, error)
	Stats(ctx context.Context) models.CacheStats
	Cleanup(ctx context.Context) (int64, error)
	PopulateFromExisting(ctx context.Context) (int64, error)
	UpdateConfig(ctx context.Context, changes map[string]string) error
	Verify(ctx context.Context) (models.SetupStatus, error)
}

// Server is an MCP server over a Cache.
type Server struct {
	cache   Cache
	version string
	log     logrus.FieldLogger
}

// New creates a Server.
func New(c Cache, version string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{cache: c, version: version, log: log.WithField("component", "mcp")}
}

// Run serves requests read line by line from r until r is exhausted or ctx
// is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, *resp)
		}
	}
	return sc.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: "querycache", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}
	case "notifications/initialized":
		return nil
	case "tools/list":
		resp.Result = toolsListResult{Tools: tools}
	case "tools/call":
		var p toolCallParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = &RPCError{Code: CodeInvalidParams, Message: "invalid params"}
			return resp
		}
		h, ok := handlers[p.Name]
		if !ok {
			resp.Result = errorResult(fmt.Sprintf("unknown tool: %s", p.Name))
			return resp
		}
		resp.Result = h(ctx, s.cache, p.Arguments)
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)}
	}
	return resp
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("marshal response")
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.log.WithError(err).Error("write response")
	}
}
