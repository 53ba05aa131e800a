package main

import "github.com/dangazineu/kiln/cmd/kiln/internal"

func main() {
	internal.Execute()
}
