package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"iter"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/livelock/internal/lock"
	"github.com/kneutral-org/livelock/internal/logging"
	"github.com/kneutral-org/livelock/internal/metrics"
	"github.com/kneutral-org/livelock/internal/resp"
)

// sessionState is the authentication/binding state of one connection.
type sessionState int

const (
	// stateUnauthenticated accepts only PASS.
	stateUnauthenticated sessionState = iota
	// stateAuthenticated accepts PASS, PING and CONN.
	stateAuthenticated
	// stateBound has a client id and accepts every command.
	stateBound
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateBound:
		return "bound"
	default:
		return "unknown"
	}
}

// boundCommand is a command that requires a client id.
type boundCommand struct {
	arity int
	run   func(s *session, args []string)
}

var boundCommands = map[string]boundCommand{
	"aq": {1, func(s *session, args []string) {
		s.replyBool(s.storage.Acquire(s.clientID, args[0], false))
	}},
	"aqr": {1, func(s *session, args []string) {
		s.replyBool(s.storage.Acquire(s.clientID, args[0], true))
	}},
	"release": {1, func(s *session, args []string) {
		s.replyBool(s.storage.Release(s.clientID, args[0]))
	}},
	"locked": {1, func(s *session, args []string) {
		s.replyBool(s.storage.Locked(args[0]))
	}},
	"sigset": {2, func(s *session, args []string) {
		s.replySignal(s.storage.AddSignal(args[0], strings.ToLower(args[1])))
	}},
	"sigexists": {2, func(s *session, args []string) {
		s.replySignal(s.storage.HasSignal(args[0], strings.ToLower(args[1])))
	}},
	"sigdel": {2, func(s *session, args []string) {
		s.replySignal(s.storage.RemoveSignal(args[0], strings.ToLower(args[1])))
	}},
	"find": {1, func(s *session, args []string) {
		s.replyMatches(s.storage.Find(args[0]))
	}},
}

// session runs the protocol for one client connection. Its methods are only
// called from the connection's goroutine.
type session struct {
	addr     string
	storage  lock.Storage
	password string
	limiter  RateLimiter
	newID    func() string

	reader *resp.Reader
	writer *resp.Writer
	logger zerolog.Logger

	state    sessionState
	clientID string
	result   string
}

func newSession(conn net.Conn, srv *Server) *session {
	addr := conn.RemoteAddr().String()

	s := &session{
		addr:     addr,
		storage:  srv.storage,
		password: srv.password,
		newID:    srv.newID,
		reader:   resp.NewReader(conn, srv.maxPayload),
		writer:   resp.NewWriter(conn),
		logger:   logging.ConnLogger(srv.logger, addr),
		state:    stateAuthenticated,
	}
	if srv.password != "" {
		s.state = stateUnauthenticated
	}
	if srv.commandRate > 0 {
		s.limiter = NewTokenBucketRateLimiter(srv.commandRate, srv.commandBurst, s.logger)
	}
	return s
}

// serve processes commands until the peer disconnects, a fatal error occurs
// or ctx is cancelled, then applies connection-loss handling.
func (s *session) serve(ctx context.Context) {
	defer s.connectionLost()

	for {
		args, err := s.reader.ReadCommand()
		if err != nil {
			s.readFailed(err)
			return
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		closeConn := s.execute(args)
		if err := s.writer.Flush(); err != nil {
			s.logger.Debug().Err(err).Msg("write failed")
			return
		}
		if closeConn {
			return
		}
	}
}

func (s *session) readFailed(err error) {
	switch {
	case errors.Is(err, resp.ErrProtocol):
		metrics.RecordProtocolError()
		s.logger.Warn().Err(err).Msg("dropping connection after protocol error")
		s.replyError(RESPError)
		_ = s.writer.Flush()
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		s.logger.Debug().Msg("connection closed by peer")
	default:
		s.logger.Debug().Err(err).Msg("read failed")
	}
}

// execute runs one command and reports whether the connection must be closed.
// A panic while running the command discards any partial reply and answers
// with ServerError.
func (s *session) execute(args [][]byte) (closeConn bool) {
	verb := strings.ToLower(string(args[0]))
	start := time.Now()
	s.result = "ok"

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("command", verb).Msg("command failed")
			s.writer.Discard()
			s.replyError(ServerError)
			closeConn = false
		}
		metrics.RecordCommand(metricLabel(verb), s.result, time.Since(start).Seconds())
	}()

	if verb == "pass" {
		s.logger.Debug().Str("command", "PASS").Msg("command received")
	} else {
		s.logger.Debug().Str("command", verb).Int("args", len(args)-1).Msg("command received")
	}

	if s.state == stateUnauthenticated {
		return !s.authenticate(verb, args[1:])
	}

	switch verb {
	case "pass":
		s.replyBool(true)
	case "ping":
		s.replyString("PONG")
	case "conn":
		s.bind(args[1:])
	default:
		if s.state != stateBound {
			s.replyError(ConnRequiredError)
			return false
		}
		cmd, ok := boundCommands[verb]
		if !ok {
			s.replyError(UnknownCommandError)
			return false
		}
		words, ok := stringArgs(args[1:], cmd.arity)
		if !ok {
			s.replyError(WrongArgs)
			return false
		}
		cmd.run(s, words)
	}
	return false
}

// authenticate handles a command received before a successful PASS.
func (s *session) authenticate(verb string, args [][]byte) bool {
	if verb == "pass" && len(args) == 1 && len(args[0]) > 0 &&
		subtle.ConstantTimeCompare(args[0], []byte(s.password)) == 1 {
		s.state = stateAuthenticated
		s.replyBool(true)
		return true
	}

	metrics.RecordAuthFailure()
	s.logger.Warn().Str("command", verb).Msg("authentication failed, closing connection")
	s.replyError(PassError)
	return false
}

// bind handles CONN [client_id].
func (s *session) bind(args [][]byte) {
	if s.state == stateBound {
		s.replyError(ConnHasIDError)
		return
	}
	if len(args) > 1 {
		s.replyError(WrongArgs)
		return
	}

	var clientID string
	if len(args) == 1 {
		if len(args[0]) == 0 || strings.ContainsAny(string(args[0]), "\r\n") {
			s.replyError(WrongArgs)
			return
		}
		clientID = string(args[0])
		if restored := s.storage.Reconnect(clientID, s.addr); restored > 0 {
			metrics.RecordUnreleaseAll()
			s.logger.Info().Str("clientId", clientID).Int("restored", restored).Msg("client reconnected, locks restored")
		}
	} else {
		clientID = s.newID()
		s.storage.SetClientLastAddress(clientID, s.addr)
	}

	s.clientID = clientID
	s.state = stateBound
	s.logger = logging.ClientLogger(s.logger, clientID)
	s.logger.Debug().Msg("client bound")

	s.replyString(clientID)
}

// connectionLost schedules the client's locks for release, unless a newer
// connection has since claimed the same client id.
func (s *session) connectionLost() {
	if s.state != stateBound {
		return
	}

	count, released := s.storage.ReleaseAllIfLastAddress(s.clientID, s.addr)
	if !released {
		s.logger.Debug().Msg("connection superseded, locks kept")
		return
	}
	metrics.RecordReleaseAll()
	s.logger.Info().Int("locks", count).Msg("connection lost, locks scheduled for release")
}

func (s *session) replyBool(b bool) {
	if b {
		s.writer.WriteSimpleString("1")
		return
	}
	s.writer.WriteSimpleString("0")
}

func (s *session) replyString(v string) {
	s.writer.WriteSimpleString(v)
}

func (s *session) replyError(code ErrorCode) {
	s.result = "error"
	s.writer.WriteError(code.Message())
}

func (s *session) replySignal(ok bool, err error) {
	switch {
	case err == nil:
		s.replyBool(ok)
	case errors.Is(err, lock.ErrKeyNotExists):
		s.replyError(KeyNotExists)
	default:
		s.logger.Error().Err(err).Msg("signal operation failed")
		s.replyError(ServerError)
	}
}

// replyMatches writes FIND results as an array of [lock_id, acquired_at]
// pairs, acquired_at being Unix seconds.
func (s *session) replyMatches(seq iter.Seq2[string, time.Time]) {
	type match struct {
		id string
		at time.Time
	}
	var matches []match
	for id, at := range seq {
		matches = append(matches, match{id: id, at: at})
	}

	s.writer.WriteArrayHeader(len(matches))
	for _, m := range matches {
		s.writer.WriteArrayHeader(2)
		s.writer.WriteBulkString(m.id)
		s.writer.WriteBulkString(formatUnix(m.at))
	}
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', 6, 64)
}

// stringArgs converts args to strings if there are exactly arity of them and
// none is empty.
func stringArgs(args [][]byte, arity int) ([]string, bool) {
	if len(args) != arity {
		return nil, false
	}
	out := make([]string, arity)
	for i, a := range args {
		if len(a) == 0 {
			return nil, false
		}
		out[i] = string(a)
	}
	return out, true
}

func metricLabel(verb string) string {
	switch verb {
	case "pass", "ping", "conn":
		return verb
	}
	if _, ok := boundCommands[verb]; ok {
		return verb
	}
	return "unknown"
}
