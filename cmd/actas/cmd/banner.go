package cmd

import (
	"fmt"
)

const banner = `
             _            
  __ _  ___ | |_  __ _ ___ 
 / _` + "`" + ` |/ __|| __|/ _` + "`" + ` / __|
| (_| | (__ | |_| (_| \__ \
 \__,_|\___| \__|\__,_|___/
                           
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Impersonation Session Gateway - Version %s\x1b[0m\n\n", Version)
}
