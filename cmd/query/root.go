package query

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ValentinKolb/dSQL/client"
	cmdUtil "github.com/ValentinKolb/dSQL/cmd/util"
	"github.com/ValentinKolb/dSQL/cluster/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var QueryCmd = &cobra.Command{
	Use:   "query [statement]",
	Short: "Execute statements against the cluster",
	Long:  `Execute a single SQL statement against any middleware node, or start an interactive session when no statement is given. The special statement STATUS shows the node's cluster view.`,
	RunE:  run,
}

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "addr"
	QueryCmd.PersistentFlags().String(key, "localhost:5432", cmdUtil.WrapString("Address of a middleware node's client socket. Any node works, writes are forwarded to the coordinator"))

	key = "timeout"
	QueryCmd.PersistentFlags().Int(key, 35, cmdUtil.WrapString("Request timeout in seconds"))
}

func run(cmd *cobra.Command, args []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	c, err := client.Dial(viper.GetString("addr"), time.Duration(viper.GetInt("timeout"))*time.Second)
	if err != nil {
		return err
	}
	defer c.Close()

	// One-shot mode
	if len(args) > 0 {
		reply, err := c.Exec(strings.Join(args, " "))
		if err != nil {
			return err
		}
		printReply(reply)
		return nil
	}

	// Interactive mode
	fmt.Printf("connected to %s (exit with \\q)\n", viper.GetString("addr"))
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("dsql> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		statement := strings.TrimSpace(scanner.Text())
		if statement == "" {
			continue
		}
		if statement == `\q` || strings.EqualFold(statement, "exit") {
			return nil
		}

		reply, err := c.Exec(statement)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printReply(reply)
	}
}

// printReply renders one reply for the terminal.
func printReply(reply *common.Reply) {
	if !reply.Ok {
		fmt.Printf("error [%s]: %s (node %d)\n", reply.ErrorCode, reply.Error, reply.NodeID)
		return
	}

	if len(reply.Columns) > 0 {
		fmt.Println(strings.Join(reply.Columns, "\t"))
		for _, row := range reply.Rows {
			fmt.Println(strings.Join(row, "\t"))
		}
		fmt.Printf("(%d rows, node %d)\n", len(reply.Rows), reply.NodeID)
		return
	}

	fmt.Printf("ok: %d rows affected (txn %s, node %d)\n", reply.AffectedRows, reply.TxnID, reply.NodeID)
}
