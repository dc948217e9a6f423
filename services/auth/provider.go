package auth

import (
	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/jwt"
	"github.com/castellanauth/castellan/services/logging"
	"github.com/castellanauth/castellan/services/refreshtoken"
	"go.uber.org/fx"
)

func NewAuthService(
	cfg *config.Config,
	verifier CredentialVerifier,
	users UserDirectory,
	jwtSvc *jwt.Service,
	refreshSvc *refreshtoken.Service,
	logger *logging.Service,
) *Service {
	return NewService(cfg, verifier, users, jwtSvc, refreshSvc, logger)
}

type OptionalHooks struct {
	fx.In
	TOTPService TOTPService `optional:"true"`
	MailService MailService `optional:"true"`
}

func WireOptionalHooks(svc *Service, hooks OptionalHooks) {
	if hooks.TOTPService != nil {
		svc.SetTOTPService(hooks.TOTPService)
	}
	if hooks.MailService != nil {
		svc.SetMailService(hooks.MailService)
	}
}

var Module = fx.Options(
	fx.Provide(NewAuthService),
	fx.Invoke(WireOptionalHooks),
)
