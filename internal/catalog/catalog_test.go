package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/orbiteos/joule/internal/errors"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "catalog.db")

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close catalog: %v", err)
		}
	})
	return store
}

func mustTenant(t *testing.T, store *Store, code, name string) *Tenant {
	t.Helper()

	tenant := &Tenant{Code: code, Name: name}
	if _, err := store.UpsertTenant(context.Background(), tenant); err != nil {
		t.Fatalf("upsert tenant %s: %v", code, err)
	}
	return tenant
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = "oracle"

	if _, err := Open(cfg); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestUpsertTenant(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	tenant := &Tenant{
		Code:         "acme",
		Name:         "Acme Energy",
		PrimaryColor: "#00A86B",
	}
	created, err := store.UpsertTenant(ctx, tenant)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Error("expected created=true on first upsert")
	}
	if tenant.ID == 0 {
		t.Error("expected ID to be assigned")
	}

	// Second upsert with the same code updates in place.
	update := &Tenant{Code: "acme", Name: "Acme Energy B.V.", PrimaryColor: "#112233"}
	created, err = store.UpsertTenant(ctx, update)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("expected created=false on second upsert")
	}
	if update.ID != tenant.ID {
		t.Errorf("expected same ID %d, got %d", tenant.ID, update.ID)
	}

	got, err := store.TenantByCode(ctx, "acme")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name != "Acme Energy B.V." {
		t.Errorf("expected updated name, got %q", got.Name)
	}
	if got.PrimaryColor != "#112233" {
		t.Errorf("expected updated color, got %q", got.PrimaryColor)
	}
}

func TestTenantByCodeNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.TenantByCode(context.Background(), "ghost")
	if !errors.Is(err, errors.ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestEmailDomains(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	tenant := mustTenant(t, store, "acme", "Acme Energy")

	// Mixed input forms all normalize to lowercase with a leading "@".
	err := store.SetEmailDomains(ctx, tenant.ID, []string{"@Acme.COM", "acme.io", ""})
	if err != nil {
		t.Fatalf("set domains: %v", err)
	}

	for _, domain := range []string{"@acme.com", "acme.com", "ACME.IO"} {
		got, err := store.TenantByEmailDomain(ctx, domain)
		if err != nil {
			t.Fatalf("resolve %q: %v", domain, err)
		}
		if got.Code != "acme" {
			t.Errorf("resolve %q: expected acme, got %q", domain, got.Code)
		}
	}

	// Reconcile down to a single domain. The removed one stops resolving.
	if err := store.SetEmailDomains(ctx, tenant.ID, []string{"acme.io"}); err != nil {
		t.Fatalf("reconcile domains: %v", err)
	}
	if _, err := store.TenantByEmailDomain(ctx, "acme.com"); !errors.Is(err, errors.ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound for removed domain, got %v", err)
	}
	if _, err := store.TenantByEmailDomain(ctx, "acme.io"); err != nil {
		t.Errorf("kept domain should still resolve: %v", err)
	}
}

func TestSiteAndDeviceUpserts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, store, "acme", "Acme Energy")

	site := &Site{
		TenantID:         tenant.ID,
		Code:             "AMS01",
		Name:             "Amsterdam South",
		Type:             "solar_farm",
		City:             "Amsterdam",
		Country:          "NL",
		GridConnectionKW: 2500,
	}
	created, err := store.UpsertSite(ctx, site)
	if err != nil {
		t.Fatalf("upsert site: %v", err)
	}
	if !created {
		t.Error("expected site created")
	}

	// Update the same site.
	update := &Site{TenantID: tenant.ID, Code: "AMS01", Name: "Amsterdam Zuid", GridConnectionKW: 3000}
	created, err = store.UpsertSite(ctx, update)
	if err != nil {
		t.Fatalf("update site: %v", err)
	}
	if created {
		t.Error("expected site updated, not created")
	}
	if update.ID != site.ID {
		t.Errorf("expected same site ID %d, got %d", site.ID, update.ID)
	}

	got, err := store.SiteByCode(ctx, tenant.ID, "AMS01")
	if err != nil {
		t.Fatalf("lookup site: %v", err)
	}
	if got.Name != "Amsterdam Zuid" || got.GridConnectionKW != 3000 {
		t.Errorf("site not updated: %+v", got)
	}

	if _, err := store.SiteByCode(ctx, tenant.ID, "NOPE"); !errors.Is(err, errors.ErrSiteNotFound) {
		t.Errorf("expected ErrSiteNotFound, got %v", err)
	}

	dev := &Device{
		TenantID:     tenant.ID,
		SiteID:       site.ID,
		DeviceID:     "INV001",
		Type:         "inverter",
		Name:         "Inverter 1",
		RatedPowerKW: 100,
	}
	created, err = store.UpsertDevice(ctx, dev)
	if err != nil {
		t.Fatalf("upsert device: %v", err)
	}
	if !created {
		t.Error("expected device created")
	}

	devUpdate := &Device{TenantID: tenant.ID, SiteID: site.ID, DeviceID: "INV001", Type: "inverter", Name: "Inverter 1 East", RatedPowerKW: 110}
	created, err = store.UpsertDevice(ctx, devUpdate)
	if err != nil {
		t.Fatalf("update device: %v", err)
	}
	if created {
		t.Error("expected device updated, not created")
	}
	if devUpdate.ID != dev.ID {
		t.Errorf("expected same device ID %d, got %d", dev.ID, devUpdate.ID)
	}
}

func TestListDevicesFilterBySite(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	tenant := mustTenant(t, store, "acme", "Acme Energy")

	siteA := &Site{TenantID: tenant.ID, Code: "AMS01", Name: "Amsterdam"}
	siteB := &Site{TenantID: tenant.ID, Code: "RTM01", Name: "Rotterdam"}
	for _, s := range []*Site{siteA, siteB} {
		if _, err := store.UpsertSite(ctx, s); err != nil {
			t.Fatalf("upsert site %s: %v", s.Code, err)
		}
	}

	devices := []*Device{
		{TenantID: tenant.ID, SiteID: siteA.ID, DeviceID: "INV001", Type: "inverter", Name: "Inv A1"},
		{TenantID: tenant.ID, SiteID: siteA.ID, DeviceID: "BAT001", Type: "battery", Name: "Bat A1"},
		{TenantID: tenant.ID, SiteID: siteB.ID, DeviceID: "INV001", Type: "inverter", Name: "Inv B1"},
	}
	for _, d := range devices {
		if _, err := store.UpsertDevice(ctx, d); err != nil {
			t.Fatalf("upsert device %s: %v", d.DeviceID, err)
		}
	}

	all, err := store.ListDevices(ctx, tenant.ID, 0)
	if err != nil {
		t.Fatalf("list all devices: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 devices, got %d", len(all))
	}
	// Ordered by type then name: battery before inverters.
	if len(all) > 0 && all[0].Type != "battery" {
		t.Errorf("expected battery first, got %s", all[0].Type)
	}

	siteOnly, err := store.ListDevices(ctx, tenant.ID, siteB.ID)
	if err != nil {
		t.Fatalf("list site devices: %v", err)
	}
	if len(siteOnly) != 1 || siteOnly[0].Name != "Inv B1" {
		t.Errorf("expected only Inv B1, got %+v", siteOnly)
	}
}

func TestTenantIsolation(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	acme := mustTenant(t, store, "acme", "Acme Energy")
	volt := mustTenant(t, store, "volt", "Volt Grid")

	// The same site code is allowed under different tenants.
	for _, tn := range []*Tenant{acme, volt} {
		site := &Site{TenantID: tn.ID, Code: "AMS01", Name: "Amsterdam " + tn.Code}
		if _, err := store.UpsertSite(ctx, site); err != nil {
			t.Fatalf("upsert site for %s: %v", tn.Code, err)
		}
	}

	acmeSites, err := store.ListSites(ctx, acme.ID)
	if err != nil {
		t.Fatalf("list acme sites: %v", err)
	}
	if len(acmeSites) != 1 || acmeSites[0].Name != "Amsterdam acme" {
		t.Errorf("acme sees wrong sites: %+v", acmeSites)
	}

	voltSite, err := store.SiteByCode(ctx, volt.ID, "AMS01")
	if err != nil {
		t.Fatalf("volt site lookup: %v", err)
	}
	if voltSite.Name != "Amsterdam volt" {
		t.Errorf("volt sees wrong site: %+v", voltSite)
	}
}

func TestCount(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	tenant := mustTenant(t, store, "acme", "Acme Energy")
	site := &Site{TenantID: tenant.ID, Code: "AMS01", Name: "Amsterdam"}
	if _, err := store.UpsertSite(ctx, site); err != nil {
		t.Fatalf("upsert site: %v", err)
	}
	dev := &Device{TenantID: tenant.ID, SiteID: site.ID, DeviceID: "INV001", Type: "inverter"}
	if _, err := store.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("upsert device: %v", err)
	}

	counts, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Tenants != 1 || counts.Sites != 1 || counts.Devices != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}
