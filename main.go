package main

import "davidallendj/oidc-apikey/cmd"

func main() {
	cmd.Execute()
}
