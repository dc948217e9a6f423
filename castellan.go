// Package castellan is a drop-in authentication subsystem: JWT access
// tokens, rotating refresh tokens with reuse detection, and a browser
// cookie contract, assembled behind a small builder.
//
// Minimal usage:
//
//	accounts := auth.NewInMemoryAccounts()
//	app, err := castellan.New().
//		WithAutoConfig().
//		WithAuth().
//		WithAccounts(accounts, accounts).
//		WithHTTP().
//		Build()
//	if err != nil {
//		log.Fatal(err)
//	}
//	app.Run()
package castellan

import (
	"github.com/castellanauth/castellan/app"
)

type App = app.App

type Builder = app.AppBuilder

// New starts a builder with no services enabled.
func New() *Builder {
	return app.NewApp()
}
