// Command parapet runs the LLM security proxy.
package main

func main() {
	Execute()
}
