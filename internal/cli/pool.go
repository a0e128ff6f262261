package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/songweijia/libwsong/pkg/group"
	"github.com/songweijia/libwsong/pkg/shmpool"
	"github.com/songweijia/libwsong/pkg/vaw"
)

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage groups and the shared-memory pools inside them",
	}
	cmd.AddCommand(
		newPoolCreateGroupCmd(),
		newPoolRemoveGroupCmd(),
		newPoolActivateCmd(),
	)
	return cmd
}

func newPoolCreateGroupCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create-group",
		Short: "Reserve a new group's virtual address window",
		RunE: func(_ *cobra.Command, _ []string) error {
			return group.Create(name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newPoolRemoveGroupCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "remove-group",
		Short: "Delete a group's buddy tree file and directory; attached processes are not checked",
		RunE: func(_ *cobra.Command, _ []string) error {
			return group.Remove(name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newPoolActivateCmd() *cobra.Command {
	var (
		name     string
		capacity uint64
	)
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Initialize a group and create a pool inside it, reporting vaddr and capacity",
		RunE: func(c *cobra.Command, _ []string) error {
			if err := group.Initialize(name); err != nil {
				return err
			}
			p, err := shmpool.Create(name, capacity)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "vaddr=0x%x capacity=%d offset=%d\n",
				p.GetVaddr(), p.GetCapacity(), p.GetOffset())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name, created beforehand with create-group")
	cmd.Flags().Uint64Var(&capacity, "capacity", vaw.MinPool, "pool capacity in bytes (power of two, at least MinPool)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
