package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-caisse/internal/app"
	"github.com/odyssey-erp/odyssey-caisse/internal/caisse"
	"github.com/odyssey-erp/odyssey-caisse/internal/platform/db"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

type seedUser struct {
	Name  string
	Email string
	Roles []shared.Role
}

type seedAccount struct {
	Code    string
	Name    string
	Opening float64
}

var users = []seedUser{
	{Name: "Awa Diop", Email: "awa.diop@caisse.local", Roles: []shared.Role{shared.RoleFinanceDirector}},
	{Name: "Moussa Ba", Email: "moussa.ba@caisse.local", Roles: []shared.Role{shared.RoleRequester}},
	{Name: "Fatou Sow", Email: "fatou.sow@caisse.local", Roles: []shared.Role{shared.RolePurchasing}},
	{Name: "Ibrahima Fall", Email: "ibrahima.fall@caisse.local", Roles: []shared.Role{shared.RoleAccountant}},
	{Name: "Mariama Ndiaye", Email: "mariama.ndiaye@caisse.local", Roles: []shared.Role{shared.RoleManager, shared.RoleRequester}},
	{Name: "Ousmane Gueye", Email: "ousmane.gueye@caisse.local", Roles: []shared.Role{shared.RoleCashier}},
}

var accounts = []seedAccount{
	{Code: "SIEGE", Name: "Caisse Siège", Opening: 200000},
	{Code: "THIES", Name: "Caisse Agence Thiès", Opening: 50000},
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := db.Migrate(cfg.PGDSN, logger); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 2})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("seeding users")
	ids, err := seedUsers(ctx, pool)
	if err != nil {
		logger.Error("seed users", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("seeding cash accounts")
	if err := seedAccounts(ctx, pool, cfg.DefaultCurrency, logger, ids["ousmane.gueye@caisse.local"]); err != nil {
		logger.Error("seed accounts", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("seed complete")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) (map[string]int64, error) {
	ids := make(map[string]int64, len(users))
	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		for _, u := range users {
			var id int64
			err := tx.QueryRow(ctx, `INSERT INTO users (name, email) VALUES ($1, $2)
ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name RETURNING id`, u.Name, u.Email).Scan(&id)
			if err != nil {
				return fmt.Errorf("user %s: %w", u.Email, err)
			}
			for _, role := range u.Roles {
				if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, id, string(role)); err != nil {
					return fmt.Errorf("grant %s to %s: %w", role, u.Email, err)
				}
			}
			ids[u.Email] = id
		}
		return nil
	})
	return ids, err
}

// seedAccounts creates empty accounts and funds them with a replenishment so
// balances always match their ledger entries. Reruns replay the same
// idempotency key and post nothing new.
func seedAccounts(ctx context.Context, pool *pgxpool.Pool, currency string, logger *slog.Logger, cashierID int64) error {
	ledger := caisse.NewService(caisse.NewRepository(pool), logger)
	cashier := shared.Actor{ID: cashierID, Name: "seed", Roles: []shared.Role{shared.RoleCashier}}
	for _, a := range accounts {
		var id int64
		err := pool.QueryRow(ctx, `INSERT INTO cash_accounts (code, name, currency) VALUES ($1, $2, $3)
ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name RETURNING id`, a.Code, a.Name, currency).Scan(&id)
		if err != nil {
			return fmt.Errorf("account %s: %w", a.Code, err)
		}
		res, err := ledger.ApplyOperation(ctx, caisse.OperationInput{
			Type:           caisse.TypeReplenishment,
			DestinationID:  id,
			Amount:         a.Opening,
			Justification:  "Fonds de caisse initial",
			Actor:          cashier,
			IdempotencyKey: "seed:opening:" + a.Code,
		})
		if err != nil {
			return fmt.Errorf("fund %s: %w", a.Code, err)
		}
		logger.Info("account ready", slog.String("code", a.Code), slog.Int64("balance", res.Balances[id]))
	}
	return nil
}
