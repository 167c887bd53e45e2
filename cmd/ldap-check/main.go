package main

import (
	"context"
	"os"

	"github.com/xonoko/ldap-check/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
