// Package modules lists the modules compiled into consoled-module.
package modules

import (
	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/modules/echo"
)

// Builtin returns a registry holding every built-in module.
func Builtin() *handler.Registry {
	return handler.NewRegistry().DefineCategories(
		handler.Category{ID: "all", Name: "All modules"},
		handler.Category{ID: "system", Name: "System"},
	).MustRegister(
		echo.New(),
	)
}
