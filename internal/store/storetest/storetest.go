// Package storetest provides a migrated in-memory database and fixtures for
// tests of packages built on the store.
package storetest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wallet-pass-backend/internal/db"
	"wallet-pass-backend/internal/model"
)

// NewDB opens a private in-memory sqlite database named after the test and
// migrates every model into it.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(db.Models()...))
	return gdb
}

// Fixture is an account with one template and its passes.
type Fixture struct {
	Account  *model.Account
	Template *model.PassTemplate
	Passes   []*model.Pass
}

// Content is the default pass content of fixture passes.
const Content = `{"primaryFields":[{"key":"primary1","label":"Points","value":50}],"secondaryFields":[{"key":"tier","label":"Tier","value":"Gold"}]}`

// Seed creates an account, a storeCard template permitting primary1, tier and
// balance, and n passes on the given platform.
func Seed(t testing.TB, gdb *gorm.DB, n int, platform model.Platform) *Fixture {
	t.Helper()
	account := &model.Account{
		Name:             "Coffee Club",
		APIToken:         fmt.Sprintf("token-%s", strings.ReplaceAll(t.Name(), "/", "_")),
		OrganizationName: "Coffee Club Ltd",
		AppleTeamID:      "TEAM123456",
		ApplePassTypeID:  "pass.com.example.coffee",
		GoogleIssuerID:   "3388000000012345678",
	}
	require.NoError(t, gdb.Create(account).Error)

	tmpl := &model.PassTemplate{
		AccountID:        account.ID,
		Name:             "Loyalty",
		Style:            model.StyleStoreCard,
		Description:      "Coffee Club loyalty card",
		OrganizationName: "Coffee Club Ltd",
		BackgroundColor:  "rgb(20,20,20)",
		ForegroundColor:  "rgb(255,255,255)",
		Fields: model.TemplateFields{
			model.GroupPrimary:   {{Key: "primary1", Label: "Points"}},
			model.GroupSecondary: {{Key: "tier", Label: "Tier"}},
			model.GroupBack:      {{Key: "balance", Label: "Balance"}},
		},
	}
	require.NoError(t, gdb.Create(tmpl).Error)

	f := &Fixture{Account: account, Template: tmpl}
	for i := 0; i < n; i++ {
		f.Passes = append(f.Passes, AddPass(t, gdb, f, fmt.Sprintf("SN-%03d", i+1), platform))
	}
	return f
}

// AddPass creates one more active pass on the fixture's template.
func AddPass(t testing.TB, gdb *gorm.DB, f *Fixture, serial string, platform model.Platform) *model.Pass {
	t.Helper()
	pass := &model.Pass{
		AccountID:           f.Account.ID,
		TemplateID:          f.Template.ID,
		SerialNumber:        serial,
		AuthenticationToken: "auth-" + serial,
		Platform:            platform,
		Content:             Content,
		BarcodeFormat:       "PKBarcodeFormatQR",
		BarcodeMessage:      serial,
		Status:              model.PassActive,
		UsageType:           model.UsageMulti,
	}
	require.NoError(t, gdb.Create(pass).Error)
	return pass
}

// Register adds an active device registration for a pass.
func Register(t testing.TB, gdb *gorm.DB, f *Fixture, pass *model.Pass, deviceID, token string) *model.DeviceRegistration {
	t.Helper()
	reg := &model.DeviceRegistration{
		DeviceLibraryID:    deviceID,
		PassTypeIdentifier: f.Account.ApplePassTypeID,
		SerialNumber:       pass.SerialNumber,
		PushToken:          token,
		IsActive:           true,
	}
	require.NoError(t, gdb.Create(reg).Error)
	return reg
}
