package main

import (
	lorgnette "lorgnette/src"
)

func main() {
	lorgnette.DecodeMain()
}
