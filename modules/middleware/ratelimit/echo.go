package ratelimit

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

type routeInfoKey struct{}

func withRouteInfo(ctx context.Context, ri RouteInfo) context.Context {
	return context.WithValue(ctx, routeInfoKey{}, ri)
}

func routeInfoFromContext(ctx context.Context) (RouteInfo, bool) {
	ri, ok := ctx.Value(routeInfoKey{}).(RouteInfo)
	return ri, ok
}

// EchoRouteInfo reads the route info stored by EchoMiddleware. Pattern ids are
// echo paths such as "/v1/restaurants/:id".
func EchoRouteInfo(r *http.Request) RouteInfo {
	if ri, ok := routeInfoFromContext(r.Context()); ok {
		return ri
	}
	return RouteInfo{ID: Pattern(r.URL.Path), Method: r.Method, Path: r.URL.Path}
}

// EchoMiddleware runs the rate limit middleware inside echo, after routing, so
// c.Path() is known. Use it with a RuntimePolicy parsed with EchoRouteInfo.
func EchoMiddleware(p *RuntimePolicy) echo.MiddlewareFunc {
	mw := NewRateLimitMiddleware(p)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ri := RouteInfo{ID: Pattern(c.Path()), Method: req.Method, Path: req.URL.Path}
			req = req.WithContext(withRouteInfo(req.Context(), ri))

			var handlerErr error
			h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.SetRequest(r)
				c.Response().Writer = w
				handlerErr = next(c)
			}))

			res := c.Response()
			underlying := res.Writer
			h.ServeHTTP(underlying, req)
			res.Writer = underlying

			return handlerErr
		}
	}
}
