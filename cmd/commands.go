package cmd

// commandDocs is the help entry of one console command.
type commandDocs struct {
	name    string
	params  string
	summary string
	// minArgs and maxArgs bound the argument count, maxArgs < 0 is unbounded
	minArgs int
	maxArgs int
}

var commandTable = []commandDocs{
	{name: "help", params: "[command]", summary: "Show the commands or the help of one command.", maxArgs: 1},
	{name: "stats", summary: "Print the queue lengths of every scheduler thread."},
	{name: "timer", params: "<ms> <message>", summary: "Print message once ms elapsed on the server timer.", minArgs: 2, maxArgs: -1},
	{name: "kill", summary: "Stop every scheduler thread."},
	{name: "clear", summary: "Clear the screen."},
	{name: "quit", summary: "Leave the console."},
	{name: "exit", summary: "Alias of quit."},
}

func lookupCommand(name string) (commandDocs, bool) {
	for _, c := range commandTable {
		if c.name == name {
			return c, true
		}
	}
	return commandDocs{}, false
}

func commandNames() []string {
	names := make([]string, len(commandTable))
	for i, c := range commandTable {
		names[i] = c.name
	}
	return names
}
