package app

import (
	"fmt"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/database"
	"github.com/castellanauth/castellan/httpauth"
	"github.com/castellanauth/castellan/server"
	"github.com/castellanauth/castellan/services/auth"
	"github.com/castellanauth/castellan/services/cookies"
	"github.com/castellanauth/castellan/services/jwt"
	"github.com/castellanauth/castellan/services/logging"
	"github.com/castellanauth/castellan/services/mail"
	"github.com/castellanauth/castellan/services/refreshtoken"
	"github.com/castellanauth/castellan/services/totp"
)

// AppBuilder assembles an authentication service from opt-in parts. The
// zero builder carries no services; call the With* methods, then Build.
type AppBuilder struct {
	config    *config.Config
	services  map[string]bool
	models    []any
	fxOptions []fx.Option
	errors    []error
}

func NewApp() *AppBuilder {
	return &AppBuilder{
		services:  make(map[string]bool),
		models:    make([]any, 0),
		fxOptions: make([]fx.Option, 0),
		errors:    make([]error, 0),
	}
}

func (b *AppBuilder) WithConfig(cfg *config.Config) *AppBuilder {
	if cfg == nil {
		b.addError("config cannot be nil")
		return b
	}
	b.config = cfg
	return b
}

// WithAutoConfig loads configuration from the environment (and .env).
func (b *AppBuilder) WithAutoConfig() *AppBuilder {
	cfg := &config.Config{}
	if err := config.LoadConfig(cfg); err != nil {
		b.addError(fmt.Sprintf("failed to load config: %v", err))
		return b
	}
	b.config = cfg
	return b
}

func (b *AppBuilder) WithDatabase(models ...any) *AppBuilder {
	b.services["database"] = true
	b.models = append(b.models, models...)
	return b
}

// WithAuth enables the authentication core: access tokens, rotating refresh
// tokens, and the cookie contract. Refresh-token state lives in the
// relational store unless WithRedisSessions is also set. The embedding
// application must also call WithAccounts.
func (b *AppBuilder) WithAuth() *AppBuilder {
	b.services["auth"] = true
	return b
}

// WithRedisSessions keeps refresh-token state in Redis instead of the
// relational store.
func (b *AppBuilder) WithRedisSessions() *AppBuilder {
	b.services["redis_sessions"] = true
	return b
}

// WithAccounts plugs in the application's user storage.
func (b *AppBuilder) WithAccounts(verifier auth.CredentialVerifier, directory auth.UserDirectory) *AppBuilder {
	if verifier == nil || directory == nil {
		b.addError("accounts verifier and directory cannot be nil")
		return b
	}
	b.fxOptions = append(b.fxOptions,
		fx.Supply(fx.Annotate(verifier, fx.As(new(auth.CredentialVerifier)))),
		fx.Supply(fx.Annotate(directory, fx.As(new(auth.UserDirectory)))),
	)
	return b
}

// WithTOTP adds TOTP step-up login and enrollment.
func (b *AppBuilder) WithTOTP() *AppBuilder {
	b.services["totp"] = true
	return b
}

// WithMail adds SMTP delivery and enables security-alert notifications.
func (b *AppBuilder) WithMail() *AppBuilder {
	b.services["mail"] = true
	return b
}

// WithHTTP mounts the /auth endpoints on the built-in server.
func (b *AppBuilder) WithHTTP() *AppBuilder {
	b.services["http"] = true
	return b
}

func (b *AppBuilder) WithFxOptions(opts ...fx.Option) *AppBuilder {
	b.fxOptions = append(b.fxOptions, opts...)
	return b
}

func (b *AppBuilder) Build() (*App, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	if b.config == nil {
		if err := b.WithAutoConfig().validate(); err != nil {
			return nil, err
		}
	}

	logger, err := b.createLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	var db *gorm.DB
	if b.services["database"] {
		modelsOpt := &database.ModelsOption{}
		if len(b.models) > 0 {
			modelsOpt = database.WithModels(b.models...)
		}

		db, err = database.ProvideDatabase(*b.config, modelsOpt, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	application := &App{
		config: b.config,
		logger: logger,
		db:     db,
	}

	fxOptions := b.buildFxOptions(db, logger)
	fxOptions = append(fxOptions, fx.Invoke(func(srv *server.Server) {
		application.server = srv
	}))

	application.fx = fx.New(fxOptions...)
	return application, nil
}

func (b *AppBuilder) addError(msg string) {
	b.errors = append(b.errors, fmt.Errorf("%s", msg))
}

func (b *AppBuilder) validate() error {
	if len(b.errors) > 0 {
		return fmt.Errorf("configuration errors: %v", b.errors)
	}

	if b.services["http"] && !b.services["auth"] {
		return fmt.Errorf("HTTP endpoints require auth support")
	}

	if b.services["redis_sessions"] && !b.services["auth"] {
		return fmt.Errorf("redis sessions require auth support")
	}

	if b.services["totp"] && !b.services["auth"] {
		return fmt.Errorf("TOTP requires auth support")
	}

	// resolve storage requirements from the selected services
	if b.services["auth"] && !b.services["redis_sessions"] {
		if !b.services["database"] || !containsModel(b.models, &refreshtoken.RefreshToken{}) {
			b.services["database"] = true
			b.models = append(b.models, &refreshtoken.RefreshToken{})
		}
	}
	if b.services["totp"] {
		if !containsModel(b.models, &totp.TOTPSecret{}) {
			b.services["database"] = true
			b.models = append(b.models, &totp.TOTPSecret{}, &totp.UsedCode{})
		}
	}

	return nil
}

func containsModel(models []any, model any) bool {
	for _, m := range models {
		if fmt.Sprintf("%T", m) == fmt.Sprintf("%T", model) {
			return true
		}
	}
	return false
}

func (b *AppBuilder) createLogger() (*logging.Service, error) {
	if b.config == nil {
		return nil, fmt.Errorf("config required for logger creation")
	}

	return logging.NewService(logging.Config{
		Level:      logging.LogLevel(b.config.Log.Level),
		Format:     b.config.Log.Format,
		OutputPath: b.config.Log.Output,
	})
}

func (b *AppBuilder) buildFxOptions(db *gorm.DB, logger *logging.Service) []fx.Option {
	options := []fx.Option{
		config.NewProvider(b.config),
		fx.Supply(logger),
		fx.NopLogger,
	}

	if db != nil {
		options = append(options, fx.Supply(db))
	}

	options = append(options, server.NewProvider())

	if b.services["auth"] {
		options = append(options,
			jwt.Module,
			cookies.Module,
			auth.Module,
		)
		if b.services["redis_sessions"] {
			options = append(options, refreshtoken.RedisModule)
		} else {
			options = append(options, refreshtoken.Module)
		}
	}

	if b.services["totp"] {
		options = append(options,
			totp.Module,
			fx.Provide(func(svc *totp.Service) auth.TOTPService { return svc }),
		)
	}

	if b.services["mail"] {
		options = append(options,
			mail.Module,
			fx.Provide(func(svc *mail.Service) auth.MailService { return svc }),
		)
	}

	if b.services["http"] {
		options = append(options, httpauth.Module)
	}

	options = append(options, b.fxOptions...)
	return options
}
