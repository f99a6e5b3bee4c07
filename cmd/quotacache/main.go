// Package main is the entry point for quotacache.
package main

func main() {
	Execute()
}
