// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unclebandit/campaign-dashboard/internal/config"
	"github.com/unclebandit/campaign-dashboard/internal/db"
	"github.com/unclebandit/campaign-dashboard/internal/logging"
	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/repository"
)

func main() {
	var configPath, company string

	cmd := &cobra.Command{
		Use:          "seeder",
		Short:        "Apply the schema and insert demo birthday and billing entries",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), configPath)
			if err != nil {
				return err
			}
			if company == "" {
				company = cfg.DefaultCompany
			}
			return seed(cmd.Context(), cfg, company)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to dashboard.toml")
	cmd.Flags().StringVar(&company, "company", "", "company id to seed (default: default_company)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg *config.Config, company string) error {
	logger := logging.New().WithLevel(cfg.Log.Level).Pretty(true).Make()

	conn, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.ApplySchema(ctx, conn, cfg.Database.Driver); err != nil {
		return err
	}

	dialect := repository.DialectFor(cfg.Database.Driver)
	birthdays := &repository.RecordRepository{DB: conn, Dialect: dialect, Collection: model.CollectionBirthdays}
	billing := &repository.RecordRepository{DB: conn, Dialect: dialect, Collection: model.CollectionBilling}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, rec := range demoBirthdays(company, today) {
		rec := rec
		if err := birthdays.Insert(ctx, &rec); err != nil {
			return err
		}
		logger.Info().Str("id", string(rec.ID)).Str("name", rec.DisplayName).Msg("seeded birthday entry")
	}
	for i, rec := range demoBilling(company, today) {
		rec := rec
		rec.ID = model.RecordID(fmt.Sprintf("inv-%s-%03d", today.Format("20060102"), i+1))
		if err := billing.Insert(ctx, &rec); err != nil {
			return err
		}
		logger.Info().Str("id", string(rec.ID)).Str("name", rec.DisplayName).Msg("seeded billing entry")
	}

	logger.Info().Str("company", company).Msg("database seeding completed")
	return nil
}

func strPtr(s string) *string { return &s }

func demoBirthdays(company string, today time.Time) []model.Record {
	born := func(years int) *time.Time {
		t := today.AddDate(-years, 0, 0)
		return &t
	}
	return []model.Record{
		{CompanyID: company, DisplayName: "Ana Souza", ContactNumber: strPtr("5511999990001"), BirthDate: born(31)},
		{CompanyID: company, DisplayName: "Bruno Lima", BirthDate: born(45)},
		{CompanyID: company, DisplayName: "Carla Dias", ContactNumber: strPtr("5511999990003"), BirthDate: born(27)},
	}
}

func demoBilling(company string, today time.Time) []model.Record {
	due := func(days int) *time.Time {
		t := today.AddDate(0, 0, days)
		return &t
	}
	amount := func(v float64) *float64 { return &v }
	return []model.Record{
		{CompanyID: company, DisplayName: "Daniel Rocha", ContactNumber: strPtr("5511988880001"), DueDate: due(3), Amount: amount(149.9), ChargeRef: strPtr("CHG-1001")},
		{CompanyID: company, DisplayName: "Elisa Prado", ContactNumber: strPtr("5511988880002"), DueDate: due(5), Amount: amount(1234.56), ChargeRef: strPtr("CHG-1002")},
		{CompanyID: company, DisplayName: "Fábio Nunes", DueDate: due(7), Amount: amount(89)},
	}
}
