// Command hashpass prints a bcrypt hash for SFD_UPLOAD_PASS_HASH.
//
//	hashpass [-cost N] < password.txt
//	hashpass 'password'
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	flag.Parse()

	hash, err := run(flag.Args(), os.Stdin, *cost)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hashpass:", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

// run hashes the first argument, or the first line of stdin when there is
// no argument.
func run(args []string, stdin io.Reader, cost int) (string, error) {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return "", errors.New("empty password")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
