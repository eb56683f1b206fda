package main

import "github.com/ValentinKolb/dSQL/cmd"

func main() {
	cmd.Execute()
}
