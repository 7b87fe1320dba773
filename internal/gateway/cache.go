package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedGateway memoizes package manager listings for a short time. A run
// queries the same listing once per subject; installs invalidate it.
type CachedGateway struct {
	Gateway
	cache *cache.Cache
}

// NewCached wraps g. A non-positive ttl disables caching.
func NewCached(g Gateway, ttl time.Duration) Gateway {
	if ttl <= 0 {
		return g
	}
	return &CachedGateway{Gateway: g, cache: cache.New(ttl, 2*ttl)}
}

func listKey(userID int) string {
	return fmt.Sprintf("list:%d", userID)
}

func (c *CachedGateway) ListPackages(ctx context.Context, userID int) ([]Package, error) {
	if v, ok := c.cache.Get(listKey(userID)); ok {
		return v.([]Package), nil
	}
	pkgs, err := c.Gateway.ListPackages(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(listKey(userID), pkgs)
	return pkgs, nil
}

func (c *CachedGateway) QueryInstalled(ctx context.Context, userID int, packageName string) bool {
	_, ok := c.QueryInstalledVersion(ctx, userID, packageName)
	return ok
}

func (c *CachedGateway) QueryInstalledVersion(ctx context.Context, userID int, packageName string) (int64, bool) {
	pkgs, err := c.ListPackages(ctx, userID)
	if err != nil {
		return 0, false
	}
	return lookupVersion(pkgs, packageName)
}

func (c *CachedGateway) PackageInfo(ctx context.Context, userID int, packageName string) (Package, bool) {
	key := fmt.Sprintf("info:%d:%s", userID, packageName)
	if v, ok := c.cache.Get(key); ok {
		return v.(Package), true
	}
	pkg, ok := c.Gateway.PackageInfo(ctx, userID, packageName)
	if ok {
		c.cache.SetDefault(key, pkg)
	}
	return pkg, ok
}

func (c *CachedGateway) InstallPackage(ctx context.Context, path string, userID int) Result {
	res := c.Gateway.InstallPackage(ctx, path, userID)
	c.cache.Flush()
	return res
}
