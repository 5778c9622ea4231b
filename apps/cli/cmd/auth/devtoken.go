package auth

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/damien-schneider/reflect-os/platform/go/auth/devtoken"
)

func devTokenCommand() *cobra.Command {
	var params devtoken.Params
	var secret string

	cmd := &cobra.Command{
		Use:   "devtoken",
		Short: "Mint a bearer token for local and CI use",
		Long: "Mint a bearer token. With --secret (or AUTH_HMAC_SECRET) the token is HS256-signed for AUTH_PROVIDER=hmac; " +
			"otherwise it is unsigned and only accepted with AUTH_PROVIDER=dev.",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()

			var (
				token string
				err   error
			)
			if secret != "" {
				token, err = devtoken.BuildSignedToken(params, []byte(secret), now)
			} else {
				token, err = devtoken.BuildUnsignedToken(params, now)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&params.UserID, "user-id", "", "sub/user_id claim")
	cmd.Flags().StringVar(&params.Email, "email", "", "email claim")
	cmd.Flags().StringVar(&params.Name, "name", "", "display name")
	cmd.Flags().StringVar(&params.Issuer, "issuer", os.Getenv("AUTH_ISSUER"), "iss claim; must match AUTH_ISSUER when the API enforces one")
	cmd.Flags().StringVar(&params.Audience, "audience", "", "aud claim")
	cmd.Flags().DurationVar(&params.ExpiresIn, "expires-in", time.Hour, "token lifetime (e.g. 30m, 2h)")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("AUTH_HMAC_SECRET"), "HS256 signing secret")

	_ = cmd.MarkFlagRequired("user-id")

	return cmd
}
