package main

import "github.com/visiongw/vision-usb-gateway/cmd"

func main() {
	cmd.Execute()
}
