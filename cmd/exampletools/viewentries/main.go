package main

import (
	"database/sql"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := flag.String("db", "", "path to a content-<root-dir-id>.db file")
	dir := flag.String("dir", "", "vault directory to list available content databases in, if --db is omitted")
	flag.Parse()

	if *dbPath == "" {
		if *dir == "" {
			fmt.Fprintln(os.Stderr, "missing required flag: --db (or --dir to list available content databases)")
			os.Exit(1)
		}
		listContentDatabases(*dir)
		return
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT id, website, username, type, salt, encrypted_pass FROM passwords ORDER BY id`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query passwords: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()

	var found bool
	for rows.Next() {
		found = true
		var (
			id      int64
			website string
			user    string
			typ     string
			salt    []byte
			blob    []byte
		)

		if err := rows.Scan(&id, &website, &user, &typ, &salt, &blob); err != nil {
			fmt.Fprintf(os.Stderr, "scan row: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("ID %d | %s/%s (%s)\n", id, website, user, typ)
		fmt.Printf("  salt (base64): %s\n", base64.StdEncoding.EncodeToString(salt))
		fmt.Printf("  encrypted_pass (base64, %d bytes): %s\n", len(blob), base64.StdEncoding.EncodeToString(blob))
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "iterate rows: %v\n", err)
		os.Exit(1)
	}

	if !found {
		fmt.Println("no credentials stored")
	}
}

// listContentDatabases prints the content-*.db files under dir. A vault
// directory holds one such file per identity (see internal/fsprovider);
// which one corresponds to which password is exactly what the vault core
// is designed never to reveal without unlocking, so this tool can only
// enumerate files, not identities.
func listContentDatabases(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, "content-*.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "list content databases: %v\n", err)
		os.Exit(1)
	}
	if len(matches) == 0 {
		fmt.Println("no content databases found in this directory")
		return
	}
	fmt.Println("content databases found (pass one to --db):")
	for _, m := range matches {
		fmt.Printf("  %s\n", m)
	}
}
