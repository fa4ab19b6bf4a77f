package cache

import (
	"testing"
	"time"

	instancedomain "github.com/smallbiznis/waingest/internal/instance/domain"
)

func TestInstanceCacheRoundTripAndInvalidate(t *testing.T) {
	c := NewInstanceCache(time.Minute)
	inst := instancedomain.Instance{ID: 42, OrgID: 7, Provider: "cloud_api", ExternalID: "PNID-1"}

	c.Set("cloud_api", "PNID-1", inst)
	got, ok := c.Get("CLOUD_API", " PNID-1 ")
	if !ok || got.ID != 42 {
		t.Fatalf("expected cached instance, got %+v %v", got, ok)
	}

	c.Invalidate("cloud_api", "PNID-1")
	if _, ok := c.Get("cloud_api", "PNID-1"); ok {
		t.Fatalf("expected instance to be invalidated")
	}
}

func TestInstanceCacheSkipsZeroID(t *testing.T) {
	c := NewInstanceCache(0)
	c.Set("gateway", "s1", instancedomain.Instance{})
	if _, ok := c.Get("gateway", "s1"); ok {
		t.Fatalf("zero instance must not be cached")
	}
}

func TestTTLCacheExpires(t *testing.T) {
	c := NewTTLCache[string, int](10*time.Millisecond, time.Millisecond)
	c.Set("k", 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected entry to expire")
	}
}
