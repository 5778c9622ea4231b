package root

import (
	"github.com/damien-schneider/reflect-os/apps/cli/cmd/auth"
	"github.com/damien-schneider/reflect-os/apps/cli/cmd/billing"
	"github.com/damien-schneider/reflect-os/apps/cli/cmd/db"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(db.Command())
	Root().AddCommand(billing.Command())
}
