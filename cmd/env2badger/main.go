package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/edgebridge/pkg/secretstore"
)

// 把 .env 里的交易所凭据导入加密的 badger 凭据库
func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set SECRET_KEY or pass -secret-key"))
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}
	creds := secretstore.Credentials{
		AccountID:  strings.TrimSpace(kv["EDGEX_ACCOUNT_ID"]),
		APIKey:     strings.TrimSpace(kv["EDGEX_API_KEY"]),
		SigningKey: strings.TrimSpace(kv["EDGEX_SIGNING_KEY"]),
	}
	if creds == (secretstore.Credentials{}) {
		fatal(fmt.Errorf("%s 中没有 EDGEX_ACCOUNT_ID / EDGEX_API_KEY / EDGEX_SIGNING_KEY", *inPath))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		fatal(err)
	}
	if err := ss.SaveCredentials(creds); err != nil {
		_ = ss.Close()
		fatal(err)
	}
	if err := ss.Close(); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已导入交易所凭据到 badger：%s\n", *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
