package envforge

import (
	"flag"
	"fmt"
	"os/exec"
)

func handleCleanupCommand(args []string) error {
	cleanupCmd := flag.NewFlagSet("cleanup", flag.ExitOnError)
	cleanPackages := cleanupCmd.Bool("packages", false, "Remove all downloaded package archives.")
	cleanLayers := cleanupCmd.Bool("layers", false, "Remove all built layers.")
	cleanWork := cleanupCmd.Bool("work", false, "Remove leftover staging directories.")
	cleanAll := cleanupCmd.Bool("all", false, "packages, layers and staging leftovers.")

	if err := cleanupCmd.Parse(args); err != nil {
		return err // Should not happen with flag.ExitOnError
	}

	// If no flags are provided, show help and exit
	if !*cleanPackages && !*cleanLayers && !*cleanWork && !*cleanAll {
		fmt.Println("Usage: envforge cleanup [flag]")
		fmt.Println("You must specify what to clean up. Use one of the following flags:")
		cleanupCmd.PrintDefaults()
		return nil
	}

	if *cleanAll {
		*cleanPackages = true
		*cleanLayers = true
		*cleanWork = true
	}

	if *cleanPackages {
		colArrow.Print("-> ")
		cPrintf(colWarn, "Deleting package cache at %s.\n", PackagesDir)
		if askForConfirmation(colArrow, "Are you sure you want to proceed?") {
			debugf("Removing package cache directory: %s\n", PackagesDir)
			rmCmd := exec.Command("rm", "-rf", PackagesDir)
			if err := UserExec.Run(rmCmd); err != nil {
				return fmt.Errorf("failed to remove package cache: %w", err)
			}
			colArrow.Print("-> ")
			colSuccess.Println("Package cache removed successfully.")
		} else {
			colArrow.Print("-> ")
			colSuccess.Println("Cleanup of package cache canceled.")
		}
	}

	if *cleanLayers {
		cPrintf(colWarn, "This will permanently delete all built layers at %s.\n", LayersDir)
		if askForConfirmation(colArrow, "Are you sure you want to proceed?") {
			debugf("Removing layer cache directory: %s\n", LayersDir)
			rmCmd := exec.Command("rm", "-rf", LayersDir)
			if err := UserExec.Run(rmCmd); err != nil {
				return fmt.Errorf("failed to remove layer cache: %w", err)
			}
			colArrow.Print("-> ")
			colSuccess.Println("Layer cache removed successfully.")
		} else {
			colArrow.Print("-> ")
			colSuccess.Println("Cleanup of layer cache canceled.")
		}
	}

	if *cleanWork {
		debugf("Removing staging directory: %s\n", workDir)
		rmCmd := exec.Command("rm", "-rf", workDir)
		if err := UserExec.Run(rmCmd); err != nil {
			return fmt.Errorf("failed to remove staging leftovers: %w", err)
		}
		colArrow.Print("-> ")
		colSuccess.Println("Staging leftovers removed.")
	}

	return ensureCacheDirs()
}
