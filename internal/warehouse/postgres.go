package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/casemind/claims-risk/configs"
)

func openPostgres(cfg configs.WarehouseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("WAREHOUSE_URL is required for the postgres driver")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres warehouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres warehouse: %w", err)
	}

	return db, nil
}
