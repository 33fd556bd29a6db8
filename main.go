package main

import "envforge/internal/envforge"

func main() {
	envforge.Main()
}
