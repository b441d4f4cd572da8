// Package pdata wires the PData core packages (credstore, capcat, mount,
// pdtoken, capmatch, fileops) into a runnable service: HTTP listeners,
// structured logging, metrics, and SIGHUP-triggered config reload.
package pdata

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/r2northstar/pdata/db/auditdb"
	"github.com/r2northstar/pdata/internal/httpapi"
	"github.com/r2northstar/pdata/pkg/capcat"
	"github.com/r2northstar/pdata/pkg/cloudflare"
	"github.com/r2northstar/pdata/pkg/credstore"
	"github.com/r2northstar/pdata/pkg/fileops"
	"github.com/r2northstar/pdata/pkg/mount"
	"github.com/r2northstar/pdata/pkg/pdtoken"
)

// Server is a fully configured PData service, ready to Run.
type Server struct {
	Logger zerolog.Logger

	Addr          []string
	AddrTLS       []string
	Handler       http.Handler
	NotifySocket  string
	MetricsSecret string
	TLSConfig     *tls.Config

	CredStore *credstore.Store
	CapCat    *capcat.Catalog
	Mounts    *mount.Planner
	Tokens    *pdtoken.Engine
	Ops       *fileops.Ops
	Audit     *auditdb.DB

	AuditRetention time.Duration

	api    *httpapi.Handler
	reload []func()
	closed bool
}

// NewServer configures a new server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv).
func NewServer(c *Config) (*Server, error) {
	var s Server
	var success bool

	s.Addr = c.Addr
	s.AddrTLS = c.AddrTLS
	s.NotifySocket = c.NotifySocket
	s.MetricsSecret = c.MetricsSecret

	if l, fn, err := configureLogging(c); err == nil {
		s.Logger = l
		s.reload = append(s.reload, fn)
	} else {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	defer func() {
		if !success && s.Audit != nil {
			s.Audit.Close()
		}
	}()

	store, err := configureCredStore(c, s.Logger.With().Str("component", "credstore").Logger())
	if err != nil {
		return nil, fmt.Errorf("initialize credential store: %w", err)
	}
	s.CredStore = store

	cat, err := configureCapCat(c, s.Logger.With().Str("component", "capcat").Logger())
	if err != nil {
		return nil, fmt.Errorf("initialize capability catalog: %w", err)
	}
	s.CapCat = cat
	s.reload = append(s.reload, func() {
		if err := cat.Reload(); err != nil {
			s.Logger.Err(err).Msg("failed to reload capability catalog")
		}
	})

	s.Mounts = mount.NewPlanner(c.DBRoot)

	if c.TokenSecret == "" {
		return nil, fmt.Errorf("no token signing secret configured")
	}
	s.Tokens = pdtoken.New([]byte(c.TokenSecret))

	s.Ops = fileops.New(cat, c.PermissiveSymlinks)

	if c.AuditDB != "" {
		db, err := auditdb.Open(c.AuditDB)
		if err != nil {
			return nil, fmt.Errorf("initialize audit database: %w", err)
		}
		s.Audit = db
		s.AuditRetention = c.AuditRetention

		auditDBPath := c.AuditDB
		s.reload = append(s.reload, func() {
			if err := s.rotateAuditSegment(auditDBPath); err != nil {
				s.Logger.Err(err).Msg("failed to rotate audit log segment")
			}
		})
	}

	var m middlewares

	if fn, err := configureDevMapIP(c); err != nil {
		return nil, fmt.Errorf("initialize dev map ip: %w", err)
	} else if fn != nil {
		m.Add(fn)
	}

	m.Add(hlog.RequestIDHandler("", "X-PData-Request-Id"))

	if len(c.Host) != 0 {
		ns := map[string]struct{}{}
		for _, n := range c.Host {
			ns[strings.ToLower(n)] = struct{}{}
		}
		m.Add(func(h http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				host, _, _ := strings.Cut(r.Host, ":")
				if _, ok := ns[strings.ToLower(host)]; ok {
					h.ServeHTTP(w, r)
					return
				}
				http.Error(w, "Go away.", http.StatusForbidden)
			})
		})
	}

	if c.Cloudflare {
		m.Add(cloudflare.RealIP(func(r *http.Request, err error) {
			e := s.Logger.Warn()
			if rid, ok := hlog.IDFromRequest(r); ok {
				e = e.Stringer("rid", rid)
			}
			e.Err(err).Str("component", "http").Str("request_ip", r.RemoteAddr).Msg("use cloudflare ip")
		}))
	}

	m.Add(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		e := s.Logger.Info()
		if rid, ok := hlog.IDFromRequest(r); ok {
			e = e.Stringer("rid", rid)
		}
		e.
			Str("request_ip", r.RemoteAddr).
			Str("request_host", r.Host).
			Str("request_method", r.Method).
			Stringer("request_uri", r.URL).
			Int("response_status", status).
			Int("response_size", size).
			Dur("response_duration", duration).
			Msg("handle request")
	}))
	m.Add(hlog.NewHandler(s.Logger.With().Str("component", "httpapi").Logger()))
	m.Add(hlog.RequestIDHandler("rid", ""))

	s.api = &httpapi.Handler{
		CredStore:    s.CredStore,
		CapCat:       s.CapCat,
		Mounts:       s.Mounts,
		Tokens:       s.Tokens,
		Ops:          s.Ops,
		Audit:        s.Audit,
		TokenTTL:     c.TokenTTL,
		AllowedRoles: roleSet(c.AllowedRoles),
	}

	mux := http.NewServeMux()
	mux.Handle("/", s.api)
	mux.HandleFunc("/metrics", s.serveMetrics)

	s.Handler = m.Then(mux)

	if cfg, err := configureServerTLS(c); err == nil {
		s.TLSConfig = cfg
	} else {
		return nil, fmt.Errorf("initialize server tls: %w", err)
	}

	success = true
	return &s, nil
}

func roleSet(roles []string) map[string]struct{} {
	s := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

func configureCredStore(c *Config, log zerolog.Logger) (*credstore.Store, error) {
	if c.DBRoot == "" {
		return nil, fmt.Errorf("no db root configured")
	}
	return credstore.Open(c.DBRoot, log)
}

func configureCapCat(c *Config, log zerolog.Logger) (*capcat.Catalog, error) {
	return capcat.Load(c.DBRoot, log)
}

func configureServerTLS(c *Config) (*tls.Config, error) {
	var t tls.Config
	if len(c.ServerCerts) != 0 {
		for _, fn := range c.ServerCerts {
			cert, err := tls.LoadX509KeyPair(fn+".crt", fn+".key")
			if err != nil {
				return nil, fmt.Errorf("load server certificate %q: %w", fn, err)
			}
			t.Certificates = append(t.Certificates, cert)
		}
	} else if len(c.AddrTLS) != 0 {
		return nil, fmt.Errorf("no tls certificates provided")
	}
	return &t, nil
}

func configureDevMapIP(c *Config) (func(http.Handler) http.Handler, error) {
	if len(c.DevMapIP) == 0 {
		return nil, nil
	}
	type entry struct {
		Prefix netip.Prefix
		Addr   netip.Addr
	}
	var ms []entry
	for _, m := range c.DevMapIP {
		a, b, ok := strings.Cut(m, "=")
		if !ok {
			return nil, fmt.Errorf("parse ip mapping %q: missing equals sign", m)
		}
		addr, err := netip.ParseAddr(b)
		if err != nil {
			return nil, fmt.Errorf("parse ip mapping %q: invalid address: %w", m, err)
		}
		if strings.ContainsRune(a, '/') {
			pfx, err := netip.ParsePrefix(a)
			if err != nil {
				return nil, fmt.Errorf("parse ip mapping %q: invalid prefix: %w", m, err)
			}
			ms = append(ms, entry{pfx, addr})
		} else {
			x, err := netip.ParseAddr(a)
			if err != nil {
				return nil, fmt.Errorf("parse ip mapping %q: invalid prefix: %w", m, err)
			}
			pfx, err := x.Prefix(x.BitLen())
			if err != nil {
				return nil, err
			}
			ms = append(ms, entry{pfx, addr})
		}
	}
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if x, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
				for _, m := range ms {
					if m.Prefix.Contains(x.Addr()) {
						r2 := *r
						r2.RemoteAddr = netip.AddrPortFrom(m.Addr, x.Port()).String()
						r = &r2
					}
				}
			}
			h.ServeHTTP(w, r)
		})
	}, nil
}

func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{Out: os.Stdout}, c.LogStdoutLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogStdoutLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogFileLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			err = fmt.Errorf("resolve log file: %w", err)
			return
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				if f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666); err == nil {
					if c.LogFileChown != nil {
						if err := f.Chown((*c.LogFileChown)[0], (*c.LogFileChown)[1]); err != nil {
							fmt.Fprintf(os.Stderr, "error: chown log file: %v\n", err)
						}
					}
					if c.LogFileChmod != 0 {
						if err := f.Chmod(c.LogFileChmod); err != nil {
							fmt.Fprintf(os.Stderr, "error: chmod log file: %v\n", err)
						}
					}
					return f
				} else {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
				}
				return nil
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return
}

// Run runs the server, shutting it down gracefully when ctx is canceled,
// then waiting for it to exit. It must only ever be called once.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return http.ErrServerClosed
	}

	var hs []*http.Server
	var as []string
	for _, a := range s.Addr {
		hs = append(hs, &http.Server{Addr: a, Handler: s.Handler})
		as = append(as, "http://"+a)
	}
	for _, a := range s.AddrTLS {
		hs = append(hs, &http.Server{Addr: a, Handler: s.Handler, TLSConfig: s.TLSConfig})
		as = append(as, "https://"+a)
	}
	if len(hs) == 0 {
		return fmt.Errorf("no listen addresses provided")
	}
	s.Logger.Log().Msgf("starting server on %s", strings.Join(as, ", "))

	errch := make(chan error, len(hs))
	for _, h := range hs {
		h := h
		go func() {
			if h.TLSConfig != nil {
				errch <- h.ListenAndServeTLS("", "")
			} else {
				errch <- h.ListenAndServe()
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second * 2):
		go s.sdnotify("READY=1")
	case err := <-errch:
		s.Logger.Err(err).Msg("failed to start server")
		return err
	}

	select {
	case <-ctx.Done():
		s.closed = true
		s.Logger.Log().Msg("shutting down")

		go s.sdnotify("STOPPING=1")

		var wg sync.WaitGroup
		for _, h := range hs {
			h := h
			wg.Add(1)
			go func() {
				h.Shutdown(ctx)
				wg.Done()
			}()
		}
		wg.Wait()

		if s.Audit != nil {
			s.Audit.Close()
		}
		return nil
	case err := <-errch:
		s.Logger.Err(err).Msg("failed to start server")
		return err
	}
}

// rotateAuditSegment exports audit rows older than s.AuditRetention to a
// gzip-compressed CSV segment next to the audit database and removes them
// from the live table. A zero AuditRetention disables rotation.
func (s *Server) rotateAuditSegment(auditDBPath string) error {
	if s.Audit == nil || s.AuditRetention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.AuditRetention)
	segmentPath := fmt.Sprintf("%s.%d.csv.gz", auditDBPath, cutoff.Unix())
	n, err := s.Audit.RotateSegment(context.Background(), cutoff, segmentPath)
	if err != nil {
		return err
	}
	if n > 0 {
		s.Logger.Info().Int64("rows", n).Str("segment", segmentPath).Msg("rotated audit log segment")
	}
	return nil
}

// HandleSIGHUP reloads reloadable configuration: the log file (if any) and
// the capability catalog. With an audit database configured, it also
// rotates the audit log segment.
func (s *Server) HandleSIGHUP() {
	if s.closed {
		return
	}
	s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")
	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	var internal bool
	if secret := s.MetricsSecret; secret != "" && r.URL.Query().Get("secret") == secret {
		internal = true
	}

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	if internal {
		metrics.WriteProcessMetrics(w)
	}
	s.api.WritePrometheus(w)
}

func (s *Server) sdnotify(state string) (bool, error) {
	if s.NotifySocket == "" {
		return false, nil
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: s.NotifySocket, Net: "unixgram"})
	if err != nil {
		return false, err
	}
	defer conn.Close()
	if _, err = conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
