package postgres_test

import (
	"context"
	"log"
	"os"
	"testing"

	pgtesting "github.com/tannatlabs/stakevault/engine/pkg/store/postgres/testing"
	vaulttesting "github.com/tannatlabs/stakevault/utils/pkg/testing"
)

var testDB *pgtesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	db, err := pgtesting.NewDB(ctx, vaulttesting.NewLogger(), nil)
	if err != nil {
		log.Printf("failed to start test database: %v", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	os.Exit(code)
}
