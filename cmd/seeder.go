package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample data for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		sqlDB, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer sqlDB.Close()

		db, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: sqlDB.DB}), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			log.Fatalf("failed to init gorm: %v", err)
		}

		if clearData {
			for _, table := range []string{"escrows", "orders", "users"} {
				if err := db.Exec("DELETE FROM " + table).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing data")
		}

		password := "password"
		hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

		users := []struct {
			Email string
			Name  string
			Role  string
		}{
			{"amina@mail.com", "Amina Buyer", "buyer"},
			{"chidi@mail.com", "Chidi Seller", "seller"},
			{"ngozi@mail.com", "Ngozi Admin", "admin"},
		}

		for _, u := range users {
			var exists int
			row := db.Raw("SELECT 1 FROM users WHERE email = ?", u.Email).Row()
			if err := row.Scan(&exists); err == nil {
				fmt.Printf("user %s already exists, skipping\n", u.Email)
				continue
			}

			if err := db.Exec(
				"INSERT INTO users (email, name, password_hash, role, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, true, now(), now())",
				u.Email, u.Name, string(hash), u.Role).Error; err != nil {
				log.Fatalf("failed to insert user %s: %v", u.Email, err)
			}
			fmt.Printf("Seeded %s user: %s\n", u.Role, u.Email)
		}

		var buyerID, sellerID int64
		if err := db.Raw("SELECT id FROM users WHERE email = ?", "amina@mail.com").Row().Scan(&buyerID); err != nil {
			log.Fatalf("failed to lookup buyer id: %v", err)
		}
		if err := db.Raw("SELECT id FROM users WHERE email = ?", "chidi@mail.com").Row().Scan(&sellerID); err != nil {
			log.Fatalf("failed to lookup seller id: %v", err)
		}

		var orderExists int
		row := db.Raw("SELECT 1 FROM orders WHERE buyer_id = ? AND seller_id = ?", buyerID, sellerID).Row()
		if err := row.Scan(&orderExists); err == nil {
			fmt.Println("demo order already exists, skipping")
			return
		}

		// 250,000 NGN in kobo.
		if err := db.Exec(
			`INSERT INTO orders (product_id, buyer_id, seller_id, quantity, total_price_kobo, status, payment_status, delivery_address, created_at, updated_at)
			 VALUES (1, ?, ?, 1, 25000000, 'confirmed', 'unpaid', '12 Marina Road, Lagos', now(), now())`,
			buyerID, sellerID).Error; err != nil {
			log.Fatalf("failed to insert demo order: %v", err)
		}

		fmt.Println("Seeded demo order for", "amina@mail.com")
	},
}
