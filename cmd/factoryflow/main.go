package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/rackscale/factoryflow/internal/cliapp"
)

func main() {
	err := cliapp.New().Run(context.Background(), os.Args)

	code := 0
	if err != nil {
		log.Error(err)

		code = 1
	}

	fmt.Printf("Error Code: %d\n", code)
	os.Exit(code)
}
