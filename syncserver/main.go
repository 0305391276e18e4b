package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/docsync/auth"
	"github.com/bringyour/docsync/docsync/jsonspec"
	"github.com/bringyour/docsync/docsync/mongostore"
	"github.com/bringyour/docsync/docsync/redisstore"
)

const LocalVersion = "0.0.0-local"

const DefaultAddr = ":8080"

func main() {
	usage := fmt.Sprintf(
		`Document sync server.

Documents are kept in memory unless --redis or --mongo is given.
With --redis, changes are distributed to every server sharing the redis.

Usage:
    syncserver serve [--addr=<addr>]
        [--redis=<redis>] [--mongo=<mongo>] [--mongo_db=<mongo_db>]
        [--jwt_secret=<jwt_secret>]
        [--ping_interval=<ping_interval>]
        [--soft_close_timeout=<soft_close_timeout>]
        [-v=<v>]
    syncserver token --jwt_secret=<jwt_secret> [--doc=<doc>]
        [--read_only] [--readonly_fields=<readonly_fields>]
        [--ttl=<ttl>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --addr=<addr>                    Listen address [default: %s].
    --redis=<redis>                  Redis address.
    --mongo=<mongo>                  Mongo uri.
    --mongo_db=<mongo_db>            Mongo database [default: docsync].
    --jwt_secret=<jwt_secret>        Require HS256 tokens signed with this secret.
    --ping_interval=<ping_interval>  Keep-alive ping interval [default: 25s].
    --soft_close_timeout=<soft_close_timeout>  Time to wait for clients on shutdown [default: 10s].
    --doc=<doc>                      Restrict the token to one document.
    --read_only                      Read-only token.
    --readonly_fields=<readonly_fields>  Comma separated fields the token cannot change.
    --ttl=<ttl>                      Token lifetime [default: 24h].
    -v=<v>                           Log verbosity [default: 0].`,
		DefaultAddr,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if v, err := opts.String("-v"); err == nil {
		flag.Set("v", v)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func requireDuration(opts docopt.Opts, key string) time.Duration {
	durationStr, err := opts.String(key)
	if err != nil {
		panic(err)
	}
	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		panic(fmt.Errorf("%s: %w", key, err))
	}
	return duration
}

func optionalString(opts docopt.Opts, key string) string {
	if valueAny := opts[key]; valueAny != nil {
		return valueAny.(string)
	}
	return ""
}

// store is the model plus document creation
type store struct {
	model docsync.Model[any]
	set   func(ctx context.Context, id string, value any) error
}

func newStore(ctx context.Context, opts docopt.Opts, redisClient redis.UniversalClient) (*store, func()) {
	if mongoUri := optionalString(opts, "--mongo"); mongoUri != "" {
		client, err := docsync.TraceWithReturnError("mongo connect", func() (*mongo.Client, error) {
			client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoUri))
			if err != nil {
				return nil, err
			}
			return client, client.Ping(ctx, nil)
		})
		if err != nil {
			panic(err)
		}
		database, _ := opts.String("--mongo_db")
		model := mongostore.NewModel[any](client.Database(database).Collection("docs"), nil)
		glog.Infof("[s]mongo store %s\n", database)
		return &store{
			model: model,
			set:   model.Set,
		}, func() {
			client.Disconnect(context.Background())
		}
	}

	if redisClient != nil {
		model := redisstore.NewModel[any](redisClient, "docsync:doc:", nil)
		glog.Infof("[s]redis store\n")
		return &store{
			model: model,
			set:   model.Set,
		}, func() {}
	}

	model := docsync.NewInMemoryModel[any](nil)
	glog.Infof("[s]memory store\n")
	return &store{
		model: model,
		set: func(ctx context.Context, id string, value any) error {
			model.Set(id, value)
			return nil
		},
	}, func() {}
}

type docIdKey struct{}

func docId(r *http.Request) (string, error) {
	if id, ok := r.Context().Value(docIdKey{}).(string); ok && id != "" {
		return id, nil
	}
	return "", docsync.NewStatusError(http.StatusBadRequest, "Missing document id")
}

func serve(opts docopt.Opts) {
	addr, _ := opts.String("--addr")
	pingInterval := requireDuration(opts, "--ping_interval")
	softCloseTimeout := requireDuration(opts, "--soft_close_timeout")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	var redisClient redis.UniversalClient
	if redisAddr := optionalString(opts, "--redis"); redisAddr != "" {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: strings.Split(redisAddr, ","),
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			panic(err)
		}
		defer redisClient.Close()
	}

	s, closeStore := newStore(ctx, opts, redisClient)
	defer closeStore()

	broadcasterOpts := []docsync.BroadcasterOption[any, any]{}
	if redisClient != nil {
		broadcasterOpts = append(
			broadcasterOpts,
			docsync.WithTopicMap[any, any](redisstore.NewTopicMap[any](ctx, redisClient, "docsync:topic:")),
		)
	}
	broadcaster := docsync.NewBroadcaster[any, any](s.model, jsonspec.NewContext(), broadcasterOpts...)

	registry := prometheus.NewRegistry()
	metrics := docsync.NewPrometheusMetrics(registry)

	settings := docsync.DefaultHandlerSettings()
	settings.PingInterval = pingInterval
	settings.PongTimeout = pingInterval + pingInterval/5
	settings.Hooks = metrics
	// clients are not browsers with ambient credentials
	settings.CheckOrigin = func(r *http.Request) bool {
		return true
	}
	factory := docsync.NewWebsocketHandlerFactory(broadcaster, settings)
	if err := metrics.RegisterActiveConnections(factory.ActiveConnections); err != nil {
		panic(err)
	}

	var permissionGetter docsync.PermissionGetter[any, any]
	// documents can be created by tokens with full write access
	var createAllowed func(r *http.Request) error
	if jwtSecret := optionalString(opts, "--jwt_secret"); jwtSecret != "" {
		authenticator := auth.NewAuthenticator[any, any]([]byte(jwtSecret))
		permissionGetter = authenticator.PermissionGetter(docId)
		createAllowed = func(r *http.Request) error {
			tokenStr, err := auth.RequestToken(r)
			if err != nil {
				return docsync.NewStatusError(http.StatusUnauthorized, "Unauthorized")
			}
			access, err := authenticator.Parse(tokenStr)
			if err != nil {
				return docsync.NewStatusError(http.StatusUnauthorized, "Unauthorized")
			}
			id, _ := docId(r)
			if access.ReadOnly || 0 < len(access.ReadOnlyFields) || (access.DocId != "" && access.DocId != id) {
				return docsync.NewStatusError(http.StatusForbidden, "Forbidden")
			}
			return nil
		}
	} else {
		glog.Infof("[s]no --jwt_secret, every connection can read and write\n")
		permissionGetter = func(r *http.Request) (docsync.Permission[any, any], error) {
			return docsync.ReadWrite[any, any](), nil
		}
		createAllowed = func(r *http.Request) error {
			return nil
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	withDocId := func(c *gin.Context) *http.Request {
		return c.Request.WithContext(context.WithValue(c.Request.Context(), docIdKey{}, c.Param("id")))
	}

	docHandler := factory.Handler(docId, permissionGetter)
	router.GET("/docs/:id", func(c *gin.Context) {
		docHandler(c.Writer, withDocId(c))
	})
	router.PUT("/docs/:id", func(c *gin.Context) {
		err := createAllowed(withDocId(c))
		var statusErr *docsync.StatusError
		if errors.As(err, &statusErr) {
			c.String(statusErr.StatusCode, statusErr.Message)
			return
		} else if err != nil {
			c.String(http.StatusInternalServerError, "Internal error")
			return
		}
		putDoc(c, s)
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":            RequireVersion(),
			"status":             "ok",
			"active_connections": factory.ActiveConnections(),
		})
	})

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		defer cancel()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Infof("[s]listen error = %s\n", err)
		}
	}()

	fmt.Printf("syncserver %s on %s\n", RequireVersion(), addr)

	<-ctx.Done()

	// ask clients to reconnect elsewhere before the listener goes away
	docsync.Trace("soft close", func() {
		factory.SoftClose(context.Background(), softCloseTimeout)
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Infof("[s]shutdown error = %s\n", err)
	}
}

func putDoc(c *gin.Context, s *store) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	value, err := jsonspec.Parse(body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	// live subscribers only learn of changes made through the broadcaster,
	// so existing documents are never replaced
	if _, ok, err := s.model.Read(c.Request.Context(), c.Param("id")); err != nil {
		glog.Infof("[s]put %s error = %s\n", c.Param("id"), err)
		c.String(http.StatusInternalServerError, "Internal error")
		return
	} else if ok {
		c.String(http.StatusConflict, "Document exists")
		return
	}
	value, err = s.model.Validate(value)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err := s.set(c.Request.Context(), c.Param("id"), value); err != nil {
		glog.Infof("[s]put %s error = %s\n", c.Param("id"), err)
		c.String(http.StatusInternalServerError, "Internal error")
		return
	}
	c.Status(http.StatusNoContent)
}

func token(opts docopt.Opts) {
	jwtSecret, _ := opts.String("--jwt_secret")
	ttl := requireDuration(opts, "--ttl")

	access := &auth.Access{
		DocId: optionalString(opts, "--doc"),
	}
	access.ReadOnly, _ = opts.Bool("--read_only")
	if fields := optionalString(opts, "--readonly_fields"); fields != "" {
		access.ReadOnlyFields = strings.Split(fields, ",")
	}

	tokenStr, err := auth.NewAuthenticator[any, any]([]byte(jwtSecret)).Sign(access, ttl)
	if err != nil {
		panic(err)
	}
	fmt.Println(tokenStr)
}

func RequireVersion() string {
	if version := os.Getenv("DOCSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
