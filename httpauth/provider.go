package httpauth

import (
	"go.uber.org/fx"

	"github.com/castellanauth/castellan/server"
	"github.com/castellanauth/castellan/services/jwt"
)

var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(func(handler *Handler, srv *server.Server, jwtService *jwt.Service) {
		handler.RegisterRoutes(srv.Echo(), jwtService)
	}),
)
