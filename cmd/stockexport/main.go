package main

import (
	"stockexport-backend/cmd/stockexport/commands"
	"stockexport-backend/pkg/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
